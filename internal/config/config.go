// Package config handles TOML configuration for vigil.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Job names. They double as rule ids in recorded violations.
const (
	JobELB      = "checkElbJob"
	JobALB      = "checkAlbJob"
	JobImage    = "checkAmiJob"
	JobPassword = "noPasswordJob"
	JobTrust    = "crossAccountPolicyForIAMJob"
	JobEvents   = "cloudTrailEventsJob"
)

var accountPattern = regexp.MustCompile(`^\d{12}$`)

// Duration is a time.Duration read from strings like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the root configuration structure.
type Config struct {
	AWS      AWSConfig            `toml:"aws"`
	Cache    CacheConfig          `toml:"cache"`
	OTEL     OTELConfig           `toml:"otel"`
	Metrics  ServerConfig         `toml:"metrics"`
	Store    StoreConfig          `toml:"store"`
	Archive  ArchiveConfig        `toml:"archive"`
	Probe    ProbeConfig          `toml:"probe"`
	Images   ImagesConfig         `toml:"images"`
	Rules    RulesConfig          `toml:"rules"`
	Services ServicesConfig       `toml:"services"`
	ELB      ELBConfig            `toml:"elb"`
	Events   EventsConfig         `toml:"events"`
	Jobs     map[string]JobConfig `toml:"jobs"`
	Log      LogConfig            `toml:"log"`
}

// AWSConfig holds account access settings.
type AWSConfig struct {
	Regions           []string `toml:"regions"`
	Profile           string   `toml:"profile"`
	Accounts          []string `toml:"accounts"`
	ManagementAccount string   `toml:"management_account"`
	RoleName          string   `toml:"role_name"`
	SessionName       string   `toml:"session_name"`
	STSRegion         string   `toml:"sts_region"`
	MaxRetries        int      `toml:"max_retries"`
}

// CacheConfig sizes the client cache.
type CacheConfig struct {
	TTL           Duration `toml:"ttl"`
	MaxEntries    int      `toml:"max_entries"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds OTLP metric export settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// ServerConfig holds the Prometheus scrape endpoint.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// StoreConfig holds local violation store settings.
type StoreConfig struct {
	Path            string   `toml:"path"`
	Retention       Duration `toml:"retention"`
	CompactInterval Duration `toml:"compact_interval"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Bucket        string   `toml:"bucket"`
	Prefix        string   `toml:"prefix"`
	Account       string   `toml:"account"`
	Region        string   `toml:"region"`
	FlushInterval Duration `toml:"flush_interval"`
}

// ProbeConfig sizes the reachability probe pool.
type ProbeConfig struct {
	Timeout     Duration `toml:"timeout"`
	CoreWorkers int      `toml:"core_workers"`
	MaxWorkers  int      `toml:"max_workers"`
	QueueSize   int      `toml:"queue_size"`
	KeepAlive   Duration `toml:"keep_alive"`
}

// ImagesConfig identifies trusted base images.
type ImagesConfig struct {
	NamePrefix string   `toml:"name_prefix"`
	Owners     []string `toml:"owners"`
}

// RulesConfig holds event rule settings.
type RulesConfig struct {
	AllowedRegions []string `toml:"allowed_regions"`
}

// ServicesConfig locates the HTTP services consulted for facts.
type ServicesConfig struct {
	ProvenanceURL string   `toml:"provenance_url"`
	RegistryURL   string   `toml:"registry_url"`
	HTTPTimeout   Duration `toml:"http_timeout"`
}

// ELBConfig holds load balancer policy.
type ELBConfig struct {
	AllowedPorts []int `toml:"allowed_ports"`
}

// EventsConfig holds CloudTrail lookup settings.
type EventsConfig struct {
	Lookback Duration `toml:"lookback"`
}

// JobConfig schedules one job.
type JobConfig struct {
	Disabled     bool     `toml:"disabled"`
	Interval     Duration `toml:"interval"`
	InitialDelay Duration `toml:"initial_delay"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func defaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		JobELB:      {Interval: Duration{30 * time.Minute}, InitialDelay: Duration{time.Minute}},
		JobALB:      {Interval: Duration{30 * time.Minute}, InitialDelay: Duration{2 * time.Minute}},
		JobImage:    {Interval: Duration{time.Hour}, InitialDelay: Duration{3 * time.Minute}},
		JobPassword: {Interval: Duration{time.Hour}, InitialDelay: Duration{4 * time.Minute}},
		JobTrust:    {Interval: Duration{time.Hour}, InitialDelay: Duration{5 * time.Minute}},
		JobEvents:   {Interval: Duration{5 * time.Minute}},
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.RoleName == "" {
		cfg.AWS.RoleName = "vigil"
	}
	if cfg.AWS.SessionName == "" {
		cfg.AWS.SessionName = "vigil"
	}
	if cfg.AWS.STSRegion == "" {
		cfg.AWS.STSRegion = "us-east-1"
	}
	if cfg.AWS.MaxRetries == 0 {
		cfg.AWS.MaxRetries = 15
	}

	setDuration(&cfg.Cache.TTL, 50*time.Minute)
	setDuration(&cfg.Cache.SweepInterval, time.Minute)
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 500
	}

	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vigil"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/vigil"
	}
	setDuration(&cfg.Store.Retention, 30*24*time.Hour)
	setDuration(&cfg.Store.CompactInterval, 6*time.Hour)

	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "violations"
	}
	setDuration(&cfg.Archive.FlushInterval, 5*time.Minute)

	setDuration(&cfg.Probe.Timeout, 5*time.Second)
	setDuration(&cfg.Probe.KeepAlive, 30*time.Second)
	if cfg.Probe.CoreWorkers == 0 {
		cfg.Probe.CoreWorkers = 12
	}
	if cfg.Probe.MaxWorkers == 0 {
		cfg.Probe.MaxWorkers = 20
	}
	if cfg.Probe.QueueSize == 0 {
		cfg.Probe.QueueSize = 75
	}

	if cfg.Images.NamePrefix == "" {
		cfg.Images.NamePrefix = "Taupage"
	}
	setDuration(&cfg.Services.HTTPTimeout, 10*time.Second)

	if len(cfg.ELB.AllowedPorts) == 0 {
		cfg.ELB.AllowedPorts = []int{80, 443}
	}
	setDuration(&cfg.Events.Lookback, time.Hour)

	jobs := defaultJobs()
	if cfg.Jobs == nil {
		cfg.Jobs = map[string]JobConfig{}
	}
	for name, def := range jobs {
		jc := cfg.Jobs[name]
		setDuration(&jc.Interval, def.Interval.Duration)
		if jc.InitialDelay.Duration == 0 {
			jc.InitialDelay = def.InitialDelay
		}
		cfg.Jobs[name] = jc
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws: at least one region required")
	}
	if len(c.AWS.Accounts) == 0 {
		return fmt.Errorf("aws: at least one account required")
	}
	for _, id := range c.AWS.Accounts {
		if !accountPattern.MatchString(id) {
			return fmt.Errorf("aws: invalid account id %q", id)
		}
	}
	if c.AWS.ManagementAccount != "" && !accountPattern.MatchString(c.AWS.ManagementAccount) {
		return fmt.Errorf("aws: invalid management_account %q", c.AWS.ManagementAccount)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive: bucket required when enabled")
	}
	if c.Probe.MaxWorkers < c.Probe.CoreWorkers {
		return fmt.Errorf("probe: max_workers (%d) below core_workers (%d)", c.Probe.MaxWorkers, c.Probe.CoreWorkers)
	}
	for _, p := range c.ELB.AllowedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("elb: invalid allowed port %d", p)
		}
	}
	known := defaultJobs()
	for name := range c.Jobs {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("jobs: unknown job %q", name)
		}
	}
	return nil
}

// Enabled reports whether the named job should be scheduled.
func (c *Config) Enabled(job string) bool {
	jc, ok := c.Jobs[job]
	return ok && !jc.Disabled
}

// ArchiveTarget returns the account and region hosting the archive bucket.
// It falls back to the management account and the first configured region.
func (c *Config) ArchiveTarget() (account, region string) {
	account, region = c.Archive.Account, c.Archive.Region
	if account == "" {
		account = c.AWS.ManagementAccount
	}
	if account == "" && len(c.AWS.Accounts) > 0 {
		account = c.AWS.Accounts[0]
	}
	if region == "" && len(c.AWS.Regions) > 0 {
		region = c.AWS.Regions[0]
	}
	return account, region
}
