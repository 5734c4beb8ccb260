// Package gate answers whether a violation was already recorded so jobs can
// skip work they have done before.
package gate

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/pkg/violation"
)

// Query looks up recorded violations.
type Query interface {
	Exists(ctx context.Context, key violation.Key) (bool, error)
}

// Gate is a best-effort duplicate check. It is not atomic with the later
// write, so two concurrent sweeps may both record the same violation.
type Gate struct {
	query Query
	log   zerolog.Logger
}

// New creates a gate over q.
func New(q Query) *Gate {
	return &Gate{
		query: q,
		log:   log.With().Str("component", "gate").Logger(),
	}
}

// Exists reports whether a violation with this identity is recorded.
// Query failures are logged and answered with false.
func (g *Gate) Exists(ctx context.Context, accountID, region, ruleID, resourceID string, typ violation.Type) bool {
	return g.Has(ctx, violation.Key{
		AccountID:  accountID,
		Region:     region,
		EventID:    ruleID,
		ResourceID: resourceID,
		Type:       typ,
	})
}

// Has is Exists for a prepared key.
func (g *Gate) Has(ctx context.Context, key violation.Key) bool {
	if g == nil || g.query == nil {
		return false
	}
	found, err := g.query.Exists(ctx, key)
	if err != nil {
		g.log.Warn().Err(err).Str("key", key.String()).Msg("violation lookup failed, continuing")
		return false
	}
	return found
}

// Any reports whether any of types is recorded for the scope.
func (g *Gate) Any(ctx context.Context, accountID, region, ruleID, resourceID string, types ...violation.Type) bool {
	for _, typ := range types {
		if g.Exists(ctx, accountID, region, ruleID, resourceID, typ) {
			return true
		}
	}
	return false
}
