package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/gate"
	"github.com/yairfalse/vigil/internal/lookup"
	"github.com/yairfalse/vigil/internal/probe"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/sink"
	"github.com/yairfalse/vigil/internal/store"
)

const (
	testAccount = "111111111111"
	testRegion  = "eu-west-1"
)

type mockSource struct {
	clients map[clientcache.ClientType]clientcache.Client
}

func (m *mockSource) Get(_ context.Context, typ clientcache.ClientType, accountID, region string) (clientcache.Client, error) {
	c, ok := m.clients[typ]
	if !ok {
		return nil, fmt.Errorf("no %s client for %s/%s", typ, accountID, region)
	}
	return c, nil
}

type mockAccounts []string

func (m mockAccounts) Accounts(context.Context) ([]string, error) { return m, nil }

type mockELB struct {
	DescribeLoadBalancersFunc func(ctx context.Context, params *elasticloadbalancing.DescribeLoadBalancersInput) (*elasticloadbalancing.DescribeLoadBalancersOutput, error)
	DescribeTagsFunc          func(ctx context.Context, params *elasticloadbalancing.DescribeTagsInput) (*elasticloadbalancing.DescribeTagsOutput, error)
}

func (m *mockELB) Close() error { return nil }

func (m *mockELB) DescribeLoadBalancers(ctx context.Context, params *elasticloadbalancing.DescribeLoadBalancersInput, _ ...func(*elasticloadbalancing.Options)) (*elasticloadbalancing.DescribeLoadBalancersOutput, error) {
	return m.DescribeLoadBalancersFunc(ctx, params)
}

func (m *mockELB) DescribeTags(ctx context.Context, params *elasticloadbalancing.DescribeTagsInput, _ ...func(*elasticloadbalancing.Options)) (*elasticloadbalancing.DescribeTagsOutput, error) {
	if m.DescribeTagsFunc == nil {
		return &elasticloadbalancing.DescribeTagsOutput{}, nil
	}
	return m.DescribeTagsFunc(ctx, params)
}

type mockELBv2 struct {
	DescribeLoadBalancersFunc func(ctx context.Context, params *elasticloadbalancingv2.DescribeLoadBalancersInput) (*elasticloadbalancingv2.DescribeLoadBalancersOutput, error)
	DescribeListenersFunc     func(ctx context.Context, params *elasticloadbalancingv2.DescribeListenersInput) (*elasticloadbalancingv2.DescribeListenersOutput, error)
	DescribeTagsFunc          func(ctx context.Context, params *elasticloadbalancingv2.DescribeTagsInput) (*elasticloadbalancingv2.DescribeTagsOutput, error)
}

func (m *mockELBv2) Close() error { return nil }

func (m *mockELBv2) DescribeLoadBalancers(ctx context.Context, params *elasticloadbalancingv2.DescribeLoadBalancersInput, _ ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeLoadBalancersOutput, error) {
	return m.DescribeLoadBalancersFunc(ctx, params)
}

func (m *mockELBv2) DescribeListeners(ctx context.Context, params *elasticloadbalancingv2.DescribeListenersInput, _ ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeListenersOutput, error) {
	return m.DescribeListenersFunc(ctx, params)
}

func (m *mockELBv2) DescribeTags(ctx context.Context, params *elasticloadbalancingv2.DescribeTagsInput, _ ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTagsOutput, error) {
	if m.DescribeTagsFunc == nil {
		return &elasticloadbalancingv2.DescribeTagsOutput{}, nil
	}
	return m.DescribeTagsFunc(ctx, params)
}

type mockEC2 struct {
	DescribeInstancesFunc      func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	DescribeSecurityGroupsFunc func(ctx context.Context, params *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
}

func (m *mockEC2) Close() error { return nil }

func (m *mockEC2) DescribeImages(context.Context, *ec2.DescribeImagesInput, ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{}, nil
}

func (m *mockEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return m.DescribeInstancesFunc(ctx, params)
}

func (m *mockEC2) DescribeInstanceAttribute(context.Context, *ec2.DescribeInstanceAttributeInput, ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
	return &ec2.DescribeInstanceAttributeOutput{}, nil
}

func (m *mockEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if m.DescribeSecurityGroupsFunc == nil {
		return &ec2.DescribeSecurityGroupsOutput{}, nil
	}
	return m.DescribeSecurityGroupsFunc(ctx, params)
}

type mockIAM struct {
	ListRolesFunc           func(ctx context.Context, params *iam.ListRolesInput) (*iam.ListRolesOutput, error)
	GetCredentialReportFunc func(ctx context.Context) (*iam.GetCredentialReportOutput, error)
}

func (m *mockIAM) Close() error { return nil }

func (m *mockIAM) ListRoles(ctx context.Context, params *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	return m.ListRolesFunc(ctx, params)
}

func (m *mockIAM) GenerateCredentialReport(context.Context, *iam.GenerateCredentialReportInput, ...func(*iam.Options)) (*iam.GenerateCredentialReportOutput, error) {
	return &iam.GenerateCredentialReportOutput{}, nil
}

func (m *mockIAM) GetCredentialReport(ctx context.Context, _ *iam.GetCredentialReportInput, _ ...func(*iam.Options)) (*iam.GetCredentialReportOutput, error) {
	return m.GetCredentialReportFunc(ctx)
}

type mockCloudTrail struct {
	LookupEventsFunc func(ctx context.Context, params *cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error)
}

func (m *mockCloudTrail) Close() error { return nil }

func (m *mockCloudTrail) LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	return m.LookupEventsFunc(ctx, params)
}

type mockProber struct {
	mu     sync.Mutex
	probed []int
	open   map[int]bool
}

func (m *mockProber) Probe(_ context.Context, host string, port int) probe.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probed = append(m.probed, port)
	return probe.Result{Host: host, Port: port, Open: m.open[port], StatusCode: 200, Message: "reachable"}
}

func (m *mockProber) ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.probed...)
}

type mockInstances struct {
	InstanceFunc func(ctx context.Context, accountID, region, instanceID string) (lookup.Instance, bool, error)
}

func (m *mockInstances) Instance(ctx context.Context, accountID, region, instanceID string) (lookup.Instance, bool, error) {
	return m.InstanceFunc(ctx, accountID, region, instanceID)
}

type mockImages struct {
	images map[string]facts.Image
}

func (m *mockImages) Image(_ context.Context, _, _, imageID string) (facts.Image, bool, error) {
	img, ok := m.images[imageID]
	return img, ok, nil
}

type mockManifests struct {
	manifest facts.Manifest
}

func (m *mockManifests) Manifest(context.Context, string, string, string) (facts.Manifest, bool, error) {
	return m.manifest, true, nil
}

type mockRegistrations struct {
	registration facts.Registration
}

func (m *mockRegistrations) Application(context.Context, string) (facts.Registration, bool, error) {
	return m.registration, true, nil
}

type harness struct {
	deps       Deps
	store      *store.Store
	recorder   *sink.Recorder
	exceptions *scan.Recorder
}

func newHarness(t *testing.T, clients map[clientcache.ClientType]clientcache.Client) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := sink.NewRecorder(100)
	exceptions := &scan.Recorder{}
	return &harness{
		deps: Deps{
			Clients:    &mockSource{clients: clients},
			Accounts:   mockAccounts{testAccount},
			Regions:    []string{testRegion},
			Gate:       gate.New(st),
			Sink:       sink.NewMulti(sink.NewStoreSink(st), rec),
			Exceptions: exceptions,
			Trust:      facts.TrustPolicy{NamePrefix: "Taupage", Owners: []string{"999999999999"}},
			Now:        func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) },
		},
		store:      st,
		recorder:   rec,
		exceptions: exceptions,
	}
}
