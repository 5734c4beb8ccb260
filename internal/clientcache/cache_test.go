package clientcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	region string
	closed atomic.Int32
}

func (m *mockClient) Close() error {
	m.closed.Add(1)
	return nil
}

type mockLease struct {
	roleARN string
	closed  atomic.Int32
}

func (m *mockLease) Credentials() aws.CredentialsProvider {
	return aws.AnonymousCredentials{}
}

func (m *mockLease) Close() error {
	m.closed.Add(1)
	return nil
}

type mockLeases struct {
	mu      sync.Mutex
	leases  []*mockLease
	delay   time.Duration
	failFor string
	closed  atomic.Int32
}

func (m *mockLeases) Assume(_ context.Context, roleARN string) (Lease, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.failFor != "" && roleARN == m.failFor {
		return nil, errors.New("AccessDenied: not authorized to perform sts:AssumeRole")
	}
	l := &mockLease{roleARN: roleARN}
	m.mu.Lock()
	m.leases = append(m.leases, l)
	m.mu.Unlock()
	return l, nil
}

func (m *mockLeases) Close() error {
	m.closed.Add(1)
	return nil
}

func (m *mockLeases) all() []*mockLease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockLease(nil), m.leases...)
}

type recorder struct {
	mu      sync.Mutex
	clients []*mockClient
	builds  atomic.Int32
}

func (r *recorder) registry() Registry {
	ctor := func(cfg aws.Config) (Client, error) {
		r.builds.Add(1)
		c := &mockClient{region: cfg.Region}
		r.mu.Lock()
		r.clients = append(r.clients, c)
		r.mu.Unlock()
		return c, nil
	}
	return Registry{EC2: ctor, IAM: ctor}
}

func (r *recorder) all() []*mockClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mockClient(nil), r.clients...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	return cfg
}

const (
	acctA = "111111111111"
	acctB = "222222222222"
)

func TestGet_ReturnsSameInstance(t *testing.T) {
	rec := &recorder{}
	c := New(testConfig(), &mockLeases{}, rec.registry())
	defer c.Close()

	first, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	assert.Equal(t, int32(1), rec.builds.Load())
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(5), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGet_KeyFieldsAllMatter(t *testing.T) {
	rec := &recorder{}
	c := New(testConfig(), &mockLeases{}, rec.registry())
	defer c.Close()

	ctx := context.Background()
	a, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	b, err := c.Get(ctx, EC2, acctB, "eu-west-1")
	require.NoError(t, err)
	d, err := c.Get(ctx, EC2, acctA, "eu-central-1")
	require.NoError(t, err)
	e, err := c.Get(ctx, IAM, acctA, "eu-west-1")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotSame(t, a, d)
	assert.NotSame(t, a, e)
	assert.Equal(t, int32(4), rec.builds.Load())
	assert.Equal(t, "eu-central-1", d.(*mockClient).region)
}

func TestGet_AssumesConventionalRole(t *testing.T) {
	leases := &mockLeases{}
	c := New(testConfig(), leases, (&recorder{}).registry())
	defer c.Close()

	_, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	require.Len(t, leases.all(), 1)
	assert.Equal(t, "arn:aws:iam::111111111111:role/vigil", leases.all()[0].roleARN)
}

func TestGet_SingleFlight(t *testing.T) {
	rec := &recorder{}
	c := New(testConfig(), &mockLeases{delay: 50 * time.Millisecond}, rec.registry())
	defer c.Close()

	const callers = 20
	results := make([]Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cl, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
			assert.NoError(t, err)
			results[i] = cl
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), rec.builds.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestGet_DifferentKeysDoNotBlockEachOther(t *testing.T) {
	leases := &mockLeases{delay: 100 * time.Millisecond}
	c := New(testConfig(), leases, (&recorder{}).registry())
	defer c.Close()

	start := time.Now()
	var wg sync.WaitGroup
	for _, acct := range []string{acctA, acctB} {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			_, err := c.Get(context.Background(), EC2, acct, "eu-west-1")
			assert.NoError(t, err)
		}(acct)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestGet_ValidationErrors(t *testing.T) {
	c := New(testConfig(), &mockLeases{}, (&recorder{}).registry())
	defer c.Close()

	ctx := context.Background()
	_, err := c.Get(ctx, ClientType("lambda"), acctA, "eu-west-1")
	assert.ErrorIs(t, err, ErrUnknownClientType)

	_, err = c.Get(ctx, EC2, "12345", "eu-west-1")
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = c.Get(ctx, EC2, acctA, "Europe")
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = c.Get(ctx, EC2, acctA, "us-gov-west-1")
	assert.NoError(t, err)
}

func TestGet_FailedLoadIsNotCached(t *testing.T) {
	leases := &mockLeases{failFor: RoleARN(acctA, "vigil")}
	rec := &recorder{}
	c := New(testConfig(), leases, rec.registry())
	defer c.Close()

	_, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.Equal(t, 0, c.Stats().Entries)

	leases.failFor = ""
	cl, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	assert.NotNil(t, cl)
	assert.Equal(t, int32(1), rec.builds.Load())
}

func TestGet_ConstructorFailureClosesLease(t *testing.T) {
	leases := &mockLeases{}
	registry := Registry{EC2: func(aws.Config) (Client, error) {
		return nil, errors.New("boom")
	}}
	c := New(testConfig(), leases, registry)
	defer c.Close()

	_, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.Error(t, err)

	require.Len(t, leases.all(), 1)
	assert.Equal(t, int32(1), leases.all()[0].closed.Load())
}

func TestTTL_EvictsIdleEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	rec := &recorder{}
	leases := &mockLeases{}
	c := New(testConfig(), leases, rec.registry(), WithClock(clock))
	defer c.Close()

	ctx := context.Background()
	first, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	// access refreshes the TTL
	advance(40 * time.Minute)
	again, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	advance(49 * time.Minute)
	assert.Equal(t, 0, c.Sweep())

	advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, int32(1), first.(*mockClient).closed.Load())
	assert.Equal(t, int32(1), leases.all()[0].closed.Load())

	fresh, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

func TestTTL_ExpiredOnAccess(t *testing.T) {
	now := time.Now()
	rec := &recorder{}
	c := New(testConfig(), &mockLeases{}, rec.registry(), WithClock(func() time.Time { return now }))
	defer c.Close()

	first, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	now = now.Add(51 * time.Minute)
	second, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), first.(*mockClient).closed.Load())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMaxEntries_EvictsLeastRecentlyUsed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 2
	rec := &recorder{}
	c := New(cfg, &mockLeases{}, rec.registry())
	defer c.Close()

	ctx := context.Background()
	west, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	central, err := c.Get(ctx, EC2, acctA, "eu-central-1")
	require.NoError(t, err)

	// touch west so central becomes the oldest
	_, err = c.Get(ctx, EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	_, err = c.Get(ctx, EC2, acctA, "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, 2, c.Stats().Entries)
	assert.Equal(t, int32(1), central.(*mockClient).closed.Load())
	assert.Equal(t, int32(0), west.(*mockClient).closed.Load())
}

func TestClose_TearsDownEachEntryOnce(t *testing.T) {
	rec := &recorder{}
	leases := &mockLeases{}
	c := New(testConfig(), leases, rec.registry())

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, region := range []string{"eu-west-1", "eu-central-1", "us-east-1"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(region string) {
				defer wg.Done()
				_, _ = c.Get(ctx, EC2, acctA, region)
			}(region)
		}
	}
	wg.Wait()

	var closers sync.WaitGroup
	for i := 0; i < 4; i++ {
		closers.Add(1)
		go func() {
			defer closers.Done()
			assert.NoError(t, c.Close())
		}()
	}
	closers.Wait()

	require.Len(t, rec.all(), 3)
	for _, cl := range rec.all() {
		assert.Equal(t, int32(1), cl.closed.Load())
	}
	for _, l := range leases.all() {
		assert.Equal(t, int32(1), l.closed.Load())
	}
	assert.Equal(t, int32(1), leases.closed.Load())

	_, err := c.Get(ctx, EC2, acctA, "eu-west-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJanitor_SweepsInBackground(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	rec := &recorder{}
	c := New(cfg, &mockLeases{}, rec.registry())
	defer c.Close()

	cl, err := c.Get(context.Background(), EC2, acctA, "eu-west-1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return cl.(*mockClient).closed.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Stats().Entries)
}

type describer interface {
	Client
	Describe() string
}

func TestTyped(t *testing.T) {
	c := New(testConfig(), &mockLeases{}, (&recorder{}).registry())
	defer c.Close()

	cl, err := Typed[*mockClient](context.Background(), c, EC2, acctA, "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cl.region)

	_, err = Typed[describer](context.Background(), c, EC2, acctA, "eu-west-1")
	assert.ErrorIs(t, err, ErrClientMismatch)
}

func TestRoleARN(t *testing.T) {
	assert.Equal(t, "arn:aws:iam::123456789012:role/auditor", RoleARN("123456789012", "auditor"))
}

func TestDefaultRegistry_BuildsEveryType(t *testing.T) {
	reg := DefaultRegistry()
	for _, typ := range []ClientType{EC2, ELB, ELBv2, IAM, S3, CloudTrail, ECR} {
		ctor, ok := reg[typ]
		require.True(t, ok, "missing constructor for %s", typ)

		cl, err := ctor(aws.Config{Region: "eu-west-1", Credentials: aws.AnonymousCredentials{}})
		require.NoError(t, err)
		assert.NoError(t, cl.Close())
	}
}
