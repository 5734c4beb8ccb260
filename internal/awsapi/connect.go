package awsapi

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/vigil/internal/clientcache"
)

// EC2 returns the cached EC2 client for an account and region.
func EC2(ctx context.Context, src clientcache.Source, accountID, region string) (EC2API, error) {
	return clientcache.Typed[EC2API](ctx, src, clientcache.EC2, accountID, region)
}

// ELB returns the cached classic load balancing client.
func ELB(ctx context.Context, src clientcache.Source, accountID, region string) (ELBAPI, error) {
	return clientcache.Typed[ELBAPI](ctx, src, clientcache.ELB, accountID, region)
}

// ELBv2 returns the cached application load balancing client.
func ELBv2(ctx context.Context, src clientcache.Source, accountID, region string) (ELBv2API, error) {
	return clientcache.Typed[ELBv2API](ctx, src, clientcache.ELBv2, accountID, region)
}

// IAM returns the cached IAM client. IAM is global; region only scopes the endpoint.
func IAM(ctx context.Context, src clientcache.Source, accountID, region string) (IAMAPI, error) {
	return clientcache.Typed[IAMAPI](ctx, src, clientcache.IAM, accountID, region)
}

// CloudTrail returns the cached CloudTrail client.
func CloudTrail(ctx context.Context, src clientcache.Source, accountID, region string) (CloudTrailAPI, error) {
	return clientcache.Typed[CloudTrailAPI](ctx, src, clientcache.CloudTrail, accountID, region)
}

// ECR returns the cached ECR client.
func ECR(ctx context.Context, src clientcache.Source, accountID, region string) (ECRAPI, error) {
	return clientcache.Typed[ECRAPI](ctx, src, clientcache.ECR, accountID, region)
}

// S3Uploader uploads through the cached S3 client of one account and region.
// The client is resolved per call so a cache eviction never leaves it holding a closed client.
type S3Uploader struct {
	Clients   clientcache.Source
	AccountID string
	Region    string
}

// PutObject implements sink.S3PutAPI.
func (u S3Uploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	client, err := clientcache.Typed[S3API](ctx, u.Clients, clientcache.S3, u.AccountID, u.Region)
	if err != nil {
		return nil, err
	}
	return client.PutObject(ctx, params, optFns...)
}
