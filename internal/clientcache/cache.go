// Package clientcache produces and caches region and account scoped AWS
// clients backed by assumed-role credential leases.
package clientcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config holds client cache settings.
type Config struct {
	Profile       string
	STSRegion     string
	RoleName      string
	SessionName   string
	MaxRetries    int
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	LeaseDuration time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RoleName:      "vigil",
		SessionName:   "vigil",
		MaxRetries:    15,
		TTL:           50 * time.Minute,
		MaxEntries:    500,
		SweepInterval: time.Minute,
		LeaseDuration: time.Hour,
	}
}

// Source hands out cached clients.
type Source interface {
	Get(ctx context.Context, typ ClientType, accountID, region string) (Client, error)
}

// Cache is a TTL and size bounded cache of AWS clients.
// Concurrent requests for the same missing key share one construction.
type Cache struct {
	cfg      Config
	base     aws.Config
	leases   LeaseSource
	registry Registry
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[Key]*list.Element
	lru     *list.List
	closed  bool
	flight  singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type entry struct {
	key        Key
	value      *cachedClient
	lastAccess time.Time
}

// cachedClient pairs a client with the lease it was built from.
type cachedClient struct {
	client Client
	lease  Lease
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithBaseConfig sets the AWS config every client is derived from.
func WithBaseConfig(cfg aws.Config) Option {
	return func(c *Cache) { c.base = cfg }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// Open loads the default AWS configuration, builds the STS lease source and
// returns a ready cache. A failure here means no scan may run.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	base, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	leases, err := NewSTSLeases(base, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sts client: %w", err)
	}

	return New(cfg, leases, DefaultRegistry(), WithBaseConfig(base)), nil
}

// New creates a cache over the given lease source and registry.
func New(cfg Config, leases LeaseSource, registry Registry, opts ...Option) *Cache {
	c := &Cache{
		cfg:      cfg,
		leases:   leases,
		registry: registry,
		now:      time.Now,
		log:      log.With().Str("component", "clientcache").Logger(),
		entries:  make(map[Key]*list.Element),
		lru:      list.New(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SweepInterval > 0 {
		go c.janitor(cfg.SweepInterval)
	} else {
		close(c.stopped)
	}
	return c
}

// Get returns the client for (typ, accountID, region), building it on a miss.
func (c *Cache) Get(ctx context.Context, typ ClientType, accountID, region string) (Client, error) {
	key := Key{Type: typ, AccountID: accountID, Region: region}
	if err := c.validate(key); err != nil {
		return nil, err
	}

	client, ok, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if ok {
		return client, nil
	}

	c.misses.Add(1)
	v, err, _ := c.flight.Do(key.String(), func() (any, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Typed fetches a client and narrows it to the API a caller needs.
func Typed[T any](ctx context.Context, src Source, typ ClientType, accountID, region string) (T, error) {
	var zero T
	client, err := src.Get(ctx, typ, accountID, region)
	if err != nil {
		return zero, err
	}
	api, ok := client.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s client is %T", ErrClientMismatch, typ, client)
	}
	return api, nil
}

func (c *Cache) lookup(key Key) (Client, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}

	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}

	e := el.Value.(*entry)
	now := c.now()
	if c.expired(e, now) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.evict(e, "expired")
		return nil, false, nil
	}

	e.lastAccess = now
	c.lru.MoveToFront(el)
	c.mu.Unlock()

	c.hits.Add(1)
	return e.value.client, true, nil
}

func (c *Cache) load(ctx context.Context, key Key) (Client, error) {
	// A previous flight for this key may have finished after our lookup.
	if client, ok, err := c.lookup(key); err != nil || ok {
		return client, err
	}

	c.log.Debug().Str("key", key.String()).Msg("creating client")

	lease, err := c.leases.Assume(ctx, RoleARN(key.AccountID, c.cfg.RoleName))
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", key, err)
	}

	cfg := c.base.Copy()
	cfg.Region = key.Region
	cfg.Credentials = lease.Credentials()
	cfg.RetryMaxAttempts = c.cfg.MaxRetries

	client, err := c.registry[key.Type](cfg)
	if err != nil {
		c.closeLease(key, lease)
		return nil, fmt.Errorf("client %s: construct: %w", key, err)
	}
	value := &cachedClient{client: client, lease: lease}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.teardown(key, value)
		return nil, ErrClosed
	}
	if el, ok := c.entries[key]; ok {
		existing := el.Value.(*entry)
		existing.lastAccess = c.now()
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		c.teardown(key, value)
		return existing.value.client, nil
	}

	c.entries[key] = c.lru.PushFront(&entry{key: key, value: value, lastAccess: c.now()})

	var victims []*entry
	for c.cfg.MaxEntries > 0 && c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		victims = append(victims, oldest.Value.(*entry))
		c.removeLocked(oldest)
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.evict(v, "capacity")
	}
	return client, nil
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.lastAccess) >= c.cfg.TTL
}

// removeLocked unlinks an entry. Callers hold c.mu and own the teardown.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
}

func (c *Cache) evict(e *entry, reason string) {
	c.evictions.Add(1)
	c.log.Debug().Str("key", e.key.String()).Str("reason", reason).Msg("evicting client")
	c.teardown(e.key, e.value)
}

// teardown closes the client first, then its lease. Failures are logged only.
func (c *Cache) teardown(key Key, v *cachedClient) {
	if err := v.client.Close(); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("close client failed")
	}
	c.closeLease(key, v.lease)
}

func (c *Cache) closeLease(key Key, lease Lease) {
	if err := lease.Close(); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("close lease failed")
	}
}

// Sweep evicts every entry idle for longer than the TTL.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var victims []*entry
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.expired(e, now) {
			victims = append(victims, e)
			c.removeLocked(el)
		}
		el = prev
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.evict(v, "expired")
	}
	return len(victims)
}

func (c *Cache) janitor(interval time.Duration) {
	defer close(c.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("evicted", n).Msg("swept expired clients")
			}
		}
	}
}

// Close tears down every cached client and releases the lease source.
// It is safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	victims := make([]*entry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		victims = append(victims, el.Value.(*entry))
	}
	c.entries = make(map[Key]*list.Element)
	c.lru.Init()
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	<-c.stopped

	for _, v := range victims {
		c.evict(v, "shutdown")
	}

	c.log.Debug().Int("clients", len(victims)).Msg("client cache closed")
	return c.leases.Close()
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := c.lru.Len()
	c.mu.Unlock()

	return Stats{
		Entries:   n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
