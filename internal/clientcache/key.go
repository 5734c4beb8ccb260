package clientcache

import (
	"errors"
	"fmt"
	"regexp"
)

// ClientType tags the AWS service a cached client talks to.
type ClientType string

const (
	EC2        ClientType = "ec2"
	ELB        ClientType = "elb"
	ELBv2      ClientType = "elbv2"
	IAM        ClientType = "iam"
	S3         ClientType = "s3"
	CloudTrail ClientType = "cloudtrail"
	ECR        ClientType = "ecr"
)

var (
	ErrUnknownClientType = errors.New("unknown client type")
	ErrInvalidAccount    = errors.New("invalid account id")
	ErrInvalidRegion     = errors.New("invalid region")
	ErrClosed            = errors.New("client cache closed")
	ErrClientMismatch    = errors.New("cached client does not implement requested api")
)

var (
	accountPattern = regexp.MustCompile(`^\d{12}$`)
	regionPattern  = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d+$`)
)

// Key identifies one cached client. All three fields take part in equality.
type Key struct {
	Type      ClientType
	AccountID string
	Region    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Type, k.AccountID, k.Region)
}

// RoleARN builds the auditor role ARN assumed in accountID.
func RoleARN(accountID, roleName string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, roleName)
}

func (c *Cache) validate(k Key) error {
	if _, ok := c.registry[k.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClientType, k.Type)
	}
	if !accountPattern.MatchString(k.AccountID) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, k.AccountID)
	}
	if !regionPattern.MatchString(k.Region) {
		return fmt.Errorf("%w: %q", ErrInvalidRegion, k.Region)
	}
	return nil
}
