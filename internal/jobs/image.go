package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/pkg/violation"
)

// ImageJob reports running instances built from a trusted base image that has expired.
type ImageJob struct {
	Deps
}

// NewImageJob creates the image expiry job.
func NewImageJob(d Deps) *ImageJob {
	return &ImageJob{Deps: d}
}

// Name implements scheduler.Job.
func (j *ImageJob) Name() string { return config.JobImage }

// Run sweeps every account and region.
func (j *ImageJob) Run(ctx context.Context) (scan.Stats, error) {
	h := &scan.Harness[awsapi.EC2API, ec2types.Instance]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  j.Regions,
		Connect: func(ctx context.Context, accountID, region string) (awsapi.EC2API, error) {
			return awsapi.EC2(ctx, j.Clients, accountID, region)
		},
		List: listRunningInstances,
		Handle: func(ctx context.Context, t scan.Target[awsapi.EC2API], inst ec2types.Instance) error {
			return j.process(ctx, t.AccountID, t.Region, inst)
		},
		ItemID:     func(inst ec2types.Instance) string { return aws.ToString(inst.InstanceId) },
		ItemKey:    "ec2_instance_id",
		Exceptions: j.Exceptions,
	}
	return h.Run(ctx)
}

func listRunningInstances(ctx context.Context, client awsapi.EC2API, cursor string) (scan.Page[ec2types.Instance], error) {
	var page scan.Page[ec2types.Instance]

	in := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{Name: aws.String("instance-state-name"), Values: []string{"running"}}},
	}
	if cursor != "" {
		in.NextToken = aws.String(cursor)
	}
	out, err := client.DescribeInstances(ctx, in)
	if err != nil {
		return page, fmt.Errorf("describe instances: %w", err)
	}

	for _, r := range out.Reservations {
		page.Items = append(page.Items, r.Instances...)
	}
	page.Next = aws.ToString(out.NextToken)
	return page, nil
}

func (j *ImageJob) process(ctx context.Context, account, region string, inst ec2types.Instance) error {
	id := aws.ToString(inst.InstanceId)
	if j.Gate.Exists(ctx, account, region, j.Name(), id, violation.OutdatedImage) {
		return nil
	}

	fc := j.factsFor(j.Name(), account, region, id, aws.ToString(inst.ImageId))
	img, ok, err := fc.Image(ctx)
	if err != nil || !ok {
		return err
	}
	// Images named like a trusted base but published by another owner are ignored.
	if !j.Trust.Trusts(img) || !img.Expired(j.now()) {
		return nil
	}

	j.put(ctx, fc.Violation(ctx, violation.OutdatedImage, map[string]any{
		"ami_owner_id":    img.OwnerID,
		"ami_id":          img.ID,
		"ami_name":        img.Name,
		"expiration_date": img.DeprecationTime.UTC().Format(time.RFC3339),
	}), "")
	return nil
}
