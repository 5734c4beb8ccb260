package clientcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ErrLeaseClosed is returned when credentials are requested from a closed lease.
var ErrLeaseClosed = errors.New("credential lease closed")

// Lease holds temporary credentials for one account.
// Close must be safe to call more than once; only the first call has an effect.
type Lease interface {
	Credentials() aws.CredentialsProvider
	Close() error
}

// LeaseSource hands out leases for a role ARN.
type LeaseSource interface {
	Assume(ctx context.Context, roleARN string) (Lease, error)
	Close() error
}

// STSLeases assumes roles through a regional STS client.
type STSLeases struct {
	client      *sts.Client
	http        *awshttp.BuildableClient
	sessionName string
	duration    time.Duration
}

// NewSTSLeases builds the STS client used for every role assumption.
func NewSTSLeases(base aws.Config, cfg Config) (*STSLeases, error) {
	stsCfg := base.Copy()
	if cfg.STSRegion != "" {
		stsCfg.Region = cfg.STSRegion
	}
	if stsCfg.Region == "" {
		return nil, fmt.Errorf("sts: no region configured")
	}

	hc := awshttp.NewBuildableClient()
	stsCfg.HTTPClient = hc
	stsCfg.RetryMaxAttempts = cfg.MaxRetries

	return &STSLeases{
		client:      sts.NewFromConfig(stsCfg),
		http:        hc,
		sessionName: cfg.SessionName,
		duration:    cfg.LeaseDuration,
	}, nil
}

// Assume creates an auto-refreshing lease and retrieves the first credentials
// eagerly so that a role that cannot be assumed fails here.
func (s *STSLeases) Assume(ctx context.Context, roleARN string) (Lease, error) {
	provider := stscreds.NewAssumeRoleProvider(s.client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = s.sessionName
		if s.duration > 0 {
			o.Duration = s.duration
		}
	})

	creds := aws.NewCredentialsCache(provider)
	if _, err := creds.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("assume role %s: %w", roleARN, err)
	}

	return &stsLease{roleARN: roleARN, creds: creds}, nil
}

// Close releases the STS client's idle connections.
func (s *STSLeases) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

type stsLease struct {
	roleARN string
	creds   *aws.CredentialsCache
	closed  atomic.Bool
	once    sync.Once
}

func (l *stsLease) Credentials() aws.CredentialsProvider {
	return leaseProvider{lease: l}
}

func (l *stsLease) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.creds.Invalidate()
	})
	return nil
}

type leaseProvider struct {
	lease *stsLease
}

func (p leaseProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if p.lease.closed.Load() {
		return aws.Credentials{}, fmt.Errorf("%w: %s", ErrLeaseClosed, p.lease.roleARN)
	}
	return p.lease.creds.Retrieve(ctx)
}
