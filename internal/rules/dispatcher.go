// Package rules evaluates event-driven rules against per-instance fact
// contexts and forwards the violations they raise.
package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/gate"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/sink"
	"github.com/yairfalse/vigil/pkg/violation"
)

// Rule is a native predicate over an event and its facts.
type Rule interface {
	// Name identifies the rule in logs and violation sources.
	Name() string
	// Types lists every violation type the rule can raise.
	Types() []violation.Type
	// Matches is a cheap filter that must not resolve facts.
	Matches(ev Event) bool
	// Evaluate inspects the facts and returns violations to record.
	Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error)
}

// Dispatcher runs every matching rule for one (event, instance) pair.
type Dispatcher struct {
	Rules      []Rule
	Gate       *gate.Gate
	Sink       sink.Sink
	Exceptions scan.ExceptionSink

	log zerolog.Logger
}

// NewDispatcher creates a dispatcher over an explicit rule table.
func NewDispatcher(rules []Rule, g *gate.Gate, s sink.Sink, exceptions scan.ExceptionSink) *Dispatcher {
	return &Dispatcher{
		Rules:      rules,
		Gate:       g,
		Sink:       s,
		Exceptions: exceptions,
		log:        log.With().Str("component", "rules").Logger(),
	}
}

// Dispatch evaluates the rules and returns how many violations were emitted.
// Rules are isolated from each other: an error or panic in one is reported
// and the rest still run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, inst Instance, fc *facts.Context) int {
	emitted := 0
	for _, rule := range d.Rules {
		if !rule.Matches(ev) {
			continue
		}
		if d.Gate.Any(ctx, ev.AccountID, ev.Region, ev.ID, inst.ID, rule.Types()...) {
			d.log.Debug().
				Str("rule", rule.Name()).
				Str("event_id", ev.ID).
				Str("instance_id", inst.ID).
				Msg("violation already recorded, skipping rule")
			continue
		}

		found, err := evaluate(ctx, rule, fc)
		if err != nil {
			d.report(err, rule, ev, inst)
			continue
		}

		for _, v := range found {
			if v.Source == "" {
				v.Source = rule.Name()
			}
			if d.Gate.Has(ctx, v.Key()) {
				continue
			}
			d.Sink.Put(ctx, v)
			emitted++
		}
	}
	return emitted
}

func evaluate(ctx context.Context, rule Rule, fc *facts.Context) (out []violation.Violation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()
	return rule.Evaluate(ctx, fc)
}

func (d *Dispatcher) report(err error, rule Rule, ev Event, inst Instance) {
	fields := map[string]string{
		"rule":            rule.Name(),
		scan.FieldAccount: ev.AccountID,
		scan.FieldRegion:  ev.Region,
		"event_id":        ev.ID,
		"instance_id":     inst.ID,
	}
	if d.Exceptions != nil {
		d.Exceptions.OnException(err, fields)
		return
	}
	evt := d.log.Error().Err(err)
	for k, v := range fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("rule failed")
}
