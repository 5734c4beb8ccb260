// Package sink defines where detected violations go.
package sink

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/pkg/violation"
)

// Sink receives violations. Put never fails from the caller's point of
// view; implementations log their own errors.
type Sink interface {
	Put(ctx context.Context, v violation.Violation)
}

// Multi fans out to several sinks in order.
type Multi []Sink

// NewMulti creates a sink that forwards to every non-nil sink.
func NewMulti(sinks ...Sink) Multi {
	m := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// Put forwards v to all sinks.
func (m Multi) Put(ctx context.Context, v violation.Violation) {
	for _, s := range m {
		s.Put(ctx, v)
	}
}

// LogSink writes each violation as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "violations").Logger()}
}

// Put logs v.
func (s *LogSink) Put(_ context.Context, v violation.Violation) {
	evt := s.logger.Warn().
		Str("violation_id", v.ID).
		Str("type", string(v.Type)).
		Str("aws_account_id", v.AccountID).
		Str("aws_region", v.Region).
		Str("event_id", v.EventID).
		Str("resource_id", v.ResourceID).
		Str("source", v.Source)
	if v.ApplicationID != "" {
		evt = evt.Str("application_id", v.ApplicationID)
	}
	if v.Username != "" {
		evt = evt.Str("username", v.Username)
	}
	evt.Interface("metadata", v.Metadata).Msg("violation detected")
}

// Putter stores violations.
type Putter interface {
	Put(ctx context.Context, v violation.Violation) error
}

// StoreSink persists violations. Write failures are logged.
type StoreSink struct {
	store  Putter
	logger zerolog.Logger
}

// NewStoreSink wraps a store.
func NewStoreSink(store Putter) *StoreSink {
	return &StoreSink{
		store:  store,
		logger: log.With().Str("component", "sink").Str("sink", "store").Logger(),
	}
}

// Put writes v to the store.
func (s *StoreSink) Put(ctx context.Context, v violation.Violation) {
	if err := s.store.Put(ctx, v); err != nil {
		s.logger.Error().Err(err).Str("key", v.Key().String()).Msg("failed to store violation")
	}
}

// Recorder keeps violations in memory. It is used by the one-shot scan command and tests.
type Recorder struct {
	ch chan violation.Violation
}

// NewRecorder creates a recorder holding up to size violations.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan violation.Violation, size)}
}

// Put records v, dropping it when the buffer is full.
func (r *Recorder) Put(_ context.Context, v violation.Violation) {
	select {
	case r.ch <- v:
	default:
		log.Warn().Str("key", v.Key().String()).Msg("recorder full, dropping violation")
	}
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []violation.Violation {
	var out []violation.Violation
	for {
		select {
		case v := <-r.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
