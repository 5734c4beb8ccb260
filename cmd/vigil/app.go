package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/internal/accounts"
	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/gate"
	"github.com/yairfalse/vigil/internal/jobs"
	"github.com/yairfalse/vigil/internal/lookup"
	"github.com/yairfalse/vigil/internal/probe"
	"github.com/yairfalse/vigil/internal/rules"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/scheduler"
	"github.com/yairfalse/vigil/internal/sink"
	"github.com/yairfalse/vigil/internal/store"
	"github.com/yairfalse/vigil/internal/telemetry"
	"github.com/yairfalse/vigil/internal/workerpool"
)

// recorderSize bounds the violations one-shot commands print.
const recorderSize = 10000

// app is the wired object graph behind every command.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	clients   *clientcache.Cache
	store     *store.Store
	archive   *sink.ArchiveSink
	recorder  *sink.Recorder
	pool      *workerpool.Pool
	scheduler *scheduler.Scheduler

	observers []metric.Registration
}

// appOptions tweak the graph for one-shot commands.
type appOptions struct {
	// record keeps emitted violations in memory for printing.
	record bool
}

// bootstrap loads and validates the config and sets up logging.
func bootstrap(path string, debug bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	telemetry.Version = version
	if err := telemetry.SetupLogging(cfg.Log, cfg.OTEL.ServiceName, debug); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if a.store, err = store.Open(cfg.Store.Path, store.WithRetention(cfg.Store.Retention.Duration)); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cacheCfg := clientcache.DefaultConfig()
	cacheCfg.Profile = cfg.AWS.Profile
	cacheCfg.STSRegion = cfg.AWS.STSRegion
	cacheCfg.RoleName = cfg.AWS.RoleName
	cacheCfg.SessionName = cfg.AWS.SessionName
	cacheCfg.MaxRetries = cfg.AWS.MaxRetries
	cacheCfg.TTL = cfg.Cache.TTL.Duration
	cacheCfg.MaxEntries = cfg.Cache.MaxEntries
	cacheCfg.SweepInterval = cfg.Cache.SweepInterval.Duration
	if a.clients, err = clientcache.Open(ctx, cacheCfg); err != nil {
		return nil, fmt.Errorf("open client cache: %w", err)
	}

	out, err := a.sinks(opts)
	if err != nil {
		return nil, err
	}

	accts, err := accounts.NewStatic(cfg.AWS.Accounts)
	if err != nil {
		return nil, err
	}

	instances := lookup.NewInstances(a.clients)
	collab := facts.Collaborators{
		Images:    lookup.NewImages(a.clients),
		Manifests: lookup.NewManifests(a.clients),
		Registry:  lookup.NewRegistry(a.clients),
	}
	httpClient := lookup.NewHTTPClient(cfg.Services.HTTPTimeout.Duration)
	if cfg.Services.ProvenanceURL != "" {
		collab.Provenance = lookup.NewProvenance(cfg.Services.ProvenanceURL, httpClient)
	}
	if cfg.Services.RegistryURL != "" {
		collab.Registrations = lookup.NewRegistrations(cfg.Services.RegistryURL, httpClient)
	}

	g := gate.New(a.store)
	exceptions := scan.NewLogSink()
	deps := jobs.Deps{
		Clients:    a.clients,
		Accounts:   accts,
		Regions:    cfg.AWS.Regions,
		Gate:       g,
		Sink:       out,
		Exceptions: exceptions,
		Facts:      collab,
		Instances:  instances,
		Trust: facts.TrustPolicy{
			NamePrefix: cfg.Images.NamePrefix,
			Owners:     cfg.Images.Owners,
		},
	}

	a.pool = workerpool.New(workerpool.Config{
		Name:        "probe",
		CoreWorkers: cfg.Probe.CoreWorkers,
		MaxWorkers:  cfg.Probe.MaxWorkers,
		QueueSize:   cfg.Probe.QueueSize,
		KeepAlive:   cfg.Probe.KeepAlive.Duration,
	})

	metrics, err := scheduler.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init scheduler metrics: %w", err)
	}
	a.scheduler = scheduler.New(metrics)

	policy := jobs.PortPolicy{Allowed: cfg.ELB.AllowedPorts}
	iamRegion := cfg.AWS.Regions[0]
	dispatcher := rules.NewDispatcher(eventRules(cfg), g, out, exceptions)

	a.add(jobs.NewELBJob(deps, policy, a.pool, probe.NewHTTPProber(cfg.Probe.Timeout.Duration)))
	a.add(jobs.NewALBJob(deps, policy))
	a.add(jobs.NewImageJob(deps))
	a.add(jobs.NewPasswordJob(deps, iamRegion))
	a.add(jobs.NewTrustJob(deps, iamRegion, cfg.AWS.ManagementAccount))
	a.add(jobs.NewEventJob(deps, dispatcher, cfg.Events.Lookback.Duration))

	meter := a.telemetry.Meter()
	reg, err := telemetry.ObserveCache(meter, a.clients)
	if err != nil {
		return nil, fmt.Errorf("observe client cache: %w", err)
	}
	a.observers = append(a.observers, reg)
	if reg, err = telemetry.ObservePool(meter, "probe", a.pool); err != nil {
		return nil, fmt.Errorf("observe worker pool: %w", err)
	}
	a.observers = append(a.observers, reg)

	log.Info().
		Strs("jobs", a.scheduler.Jobs()).
		Strs("regions", cfg.AWS.Regions).
		Int("accounts", len(cfg.AWS.Accounts)).
		Bool("archive", a.archive != nil).
		Msg("vigil initialized")
	return a, nil
}

// sinks builds the fan-out every job emits into.
func (a *app) sinks(opts appOptions) (sink.Sink, error) {
	metricsSink, err := sink.NewMetricsSink()
	if err != nil {
		return nil, fmt.Errorf("init violation metrics: %w", err)
	}
	out := []sink.Sink{sink.NewStoreSink(a.store), sink.NewLogSink(), metricsSink}

	if a.cfg.Archive.Enabled {
		account, region := a.cfg.ArchiveTarget()
		uploader := &awsapi.S3Uploader{Clients: a.clients, AccountID: account, Region: region}
		a.archive = sink.NewArchiveSink(uploader, a.cfg.Archive.Bucket, a.cfg.Archive.Prefix)
		out = append(out, a.archive)
	}
	if opts.record {
		a.recorder = sink.NewRecorder(recorderSize)
		out = append(out, a.recorder)
	}
	return sink.NewMulti(out...), nil
}

func (a *app) add(job scheduler.Job) {
	if !a.cfg.Enabled(job.Name()) {
		log.Info().Str("job", job.Name()).Msg("job disabled")
		return
	}
	jc := a.cfg.Jobs[job.Name()]
	a.scheduler.Add(job, jc.Interval.Duration, jc.InitialDelay.Duration)
}

// eventRules returns the rule table. Provenance checks need the provenance service.
func eventRules(cfg *config.Config) []rules.Rule {
	all := rules.Default(cfg.Rules.AllowedRegions)
	if cfg.Services.ProvenanceURL != "" {
		return all
	}
	out := all[:0]
	for _, r := range all {
		if _, ok := r.(*rules.RegistryRule); ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// flush uploads pending archive batches.
func (a *app) flush(ctx context.Context) error {
	if a.archive == nil {
		return nil
	}
	return a.archive.Flush(ctx)
}

// close tears the graph down in reverse dependency order.
func (a *app) close(ctx context.Context) {
	var errs []error
	if err := a.flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush archive: %w", err))
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	for _, reg := range a.observers {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.clients != nil {
		if err := a.clients.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client cache: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
