package clientcache

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is a cached protocol client. Close releases its transport.
type Client interface {
	Close() error
}

// Constructor builds a client from a region and credential scoped config.
type Constructor func(cfg aws.Config) (Client, error)

// Registry maps client types to their constructors.
type Registry map[ClientType]Constructor

// DefaultRegistry returns constructors for every service vigil audits.
func DefaultRegistry() Registry {
	return Registry{
		EC2:        newEC2,
		ELB:        newELB,
		ELBv2:      newELBv2,
		IAM:        newIAM,
		S3:         newS3,
		CloudTrail: newCloudTrail,
		ECR:        newECR,
	}
}

// conn owns the HTTP transport of one client.
type conn struct {
	http *awshttp.BuildableClient
}

func (c conn) Close() error {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	return nil
}

func withTransport(cfg aws.Config) (aws.Config, conn) {
	hc := awshttp.NewBuildableClient()
	cfg.HTTPClient = hc
	return cfg, conn{http: hc}
}

// EC2Client is a cached EC2 client.
type EC2Client struct {
	*ec2.Client
	conn
}

// ELBClient is a cached classic load balancing client.
type ELBClient struct {
	*elasticloadbalancing.Client
	conn
}

// ELBv2Client is a cached application/network load balancing client.
type ELBv2Client struct {
	*elasticloadbalancingv2.Client
	conn
}

// IAMClient is a cached IAM client.
type IAMClient struct {
	*iam.Client
	conn
}

// S3Client is a cached S3 client.
type S3Client struct {
	*s3.Client
	conn
}

// CloudTrailClient is a cached CloudTrail client.
type CloudTrailClient struct {
	*cloudtrail.Client
	conn
}

// ECRClient is a cached ECR client.
type ECRClient struct {
	*ecr.Client
	conn
}

func newEC2(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &EC2Client{Client: ec2.NewFromConfig(cfg), conn: c}, nil
}

func newELB(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &ELBClient{Client: elasticloadbalancing.NewFromConfig(cfg), conn: c}, nil
}

func newELBv2(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &ELBv2Client{Client: elasticloadbalancingv2.NewFromConfig(cfg), conn: c}, nil
}

func newIAM(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &IAMClient{Client: iam.NewFromConfig(cfg), conn: c}, nil
}

func newS3(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &S3Client{Client: s3.NewFromConfig(cfg), conn: c}, nil
}

func newCloudTrail(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &CloudTrailClient{Client: cloudtrail.NewFromConfig(cfg), conn: c}, nil
}

func newECR(cfg aws.Config) (Client, error) {
	cfg, c := withTransport(cfg)
	return &ECRClient{Client: ecr.NewFromConfig(cfg), conn: c}, nil
}
