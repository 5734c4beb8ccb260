// Package jobs holds the periodic scan jobs. Each job sweeps every account
// and region through a scan.Harness and records what it finds.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/gate"
	"github.com/yairfalse/vigil/internal/lookup"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/sink"
	"github.com/yairfalse/vigil/pkg/violation"
)

// InstanceLookup resolves EC2 instances by id.
type InstanceLookup interface {
	Instance(ctx context.Context, accountID, region, instanceID string) (lookup.Instance, bool, error)
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Clients    clientcache.Source
	Accounts   scan.AccountSource
	Regions    []string
	Gate       *gate.Gate
	Sink       sink.Sink
	Exceptions scan.ExceptionSink
	Facts      facts.Collaborators
	Instances  InstanceLookup
	Trust      facts.TrustPolicy
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger(job string) zerolog.Logger {
	return log.With().Str("component", "jobs").Str("job", job).Logger()
}

// factsFor builds a fact context for a resource found by a job sweep.
func (d Deps) factsFor(job, account, region, instanceID, imageID string) *facts.Context {
	return facts.New(facts.Identity{
		AccountID:  account,
		Region:     region,
		EventID:    job,
		ResourceID: instanceID,
		ImageID:    imageID,
		Source:     job,
	}, d.Facts, d.Trust)
}

// put stamps the resource id and hands v to the sink unless the gate already knows it.
func (d Deps) put(ctx context.Context, v violation.Violation, resourceID string) bool {
	if resourceID != "" {
		v.ResourceID = resourceID
	}
	if d.Gate.Has(ctx, v.Key()) {
		return false
	}
	d.Sink.Put(ctx, v)
	return true
}

// record creates a violation without any fact context.
func (d Deps) record(ctx context.Context, job, account, region, resourceID string, typ violation.Type, metadata map[string]any) bool {
	return d.put(ctx, violation.New(violation.Violation{
		AccountID:  account,
		Region:     region,
		EventID:    job,
		Type:       typ,
		ResourceID: resourceID,
		Source:     job,
		Metadata:   metadata,
	}), "")
}

func addImage(metadata map[string]any, img facts.Image) {
	metadata["ami_id"] = img.ID
	metadata["ami_name"] = img.Name
	metadata["ami_owner_id"] = img.OwnerID
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
