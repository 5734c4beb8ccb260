package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/workerpool"
)

// CacheStats is satisfied by *clientcache.Cache.
type CacheStats interface {
	Stats() clientcache.Stats
}

// PoolStats is satisfied by *workerpool.Pool.
type PoolStats interface {
	Stats() workerpool.Stats
}

// ObserveCache reports client cache occupancy and hit ratios on every collection.
func ObserveCache(meter metric.Meter, cache CacheStats) (metric.Registration, error) {
	entries, err := meter.Int64ObservableGauge(
		"vigil.clientcache.entries",
		metric.WithDescription("Number of cached AWS clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create clientcache.entries: %w", err)
	}

	lookups, err := meter.Int64ObservableCounter(
		"vigil.clientcache.lookups",
		metric.WithDescription("Client cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create clientcache.lookups: %w", err)
	}

	evictions, err := meter.Int64ObservableCounter(
		"vigil.clientcache.evictions",
		metric.WithDescription("Number of evicted AWS clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create clientcache.evictions: %w", err)
	}

	hit := metric.WithAttributes(attribute.String("result", "hit"))
	miss := metric.WithAttributes(attribute.String("result", "miss"))

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := cache.Stats()
		o.ObserveInt64(entries, int64(s.Entries))
		o.ObserveInt64(lookups, s.Hits, hit)
		o.ObserveInt64(lookups, s.Misses, miss)
		o.ObserveInt64(evictions, s.Evictions)
		return nil
	}, entries, lookups, evictions)
}

// ObservePool reports worker pool sizing for the pool named name.
func ObservePool(meter metric.Meter, name string, pool PoolStats) (metric.Registration, error) {
	workers, err := meter.Int64ObservableGauge(
		"vigil.pool.workers",
		metric.WithDescription("Live workers by state"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool.workers: %w", err)
	}

	queued, err := meter.Int64ObservableGauge(
		"vigil.pool.queued",
		metric.WithDescription("Tasks waiting in the pool queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool.queued: %w", err)
	}

	callerRuns, err := meter.Int64ObservableCounter(
		"vigil.pool.caller_runs",
		metric.WithDescription("Tasks run on the submitting goroutine because the pool was saturated"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool.caller_runs: %w", err)
	}

	poolAttr := attribute.String("pool", name)
	all := metric.WithAttributes(poolAttr, attribute.String("state", "live"))
	active := metric.WithAttributes(poolAttr, attribute.String("state", "active"))
	named := metric.WithAttributes(poolAttr)

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := pool.Stats()
		o.ObserveInt64(workers, int64(s.Workers), all)
		o.ObserveInt64(workers, s.Active, active)
		o.ObserveInt64(queued, int64(s.Queued), named)
		o.ObserveInt64(callerRuns, s.CallerRuns, named)
		return nil
	}, workers, queued, callerRuns)
}
