package jobs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/pkg/violation"
)

// ALBJob applies the port policy to internet-facing application and network load balancers.
type ALBJob struct {
	Deps
	Policy PortPolicy
}

// NewALBJob creates the elbv2 load balancer job.
func NewALBJob(d Deps, policy PortPolicy) *ALBJob {
	return &ALBJob{Deps: d, Policy: policy}
}

// Name implements scheduler.Job.
func (j *ALBJob) Name() string { return config.JobALB }

// Run sweeps every account and region.
func (j *ALBJob) Run(ctx context.Context) (scan.Stats, error) {
	h := &scan.Harness[awsapi.ELBv2API, elbv2types.LoadBalancer]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  j.Regions,
		Connect: func(ctx context.Context, accountID, region string) (awsapi.ELBv2API, error) {
			return awsapi.ELBv2(ctx, j.Clients, accountID, region)
		},
		List: j.list,
		Handle: func(ctx context.Context, t scan.Target[awsapi.ELBv2API], lb elbv2types.LoadBalancer) error {
			return j.process(ctx, t, lb)
		},
		ItemID:     func(lb elbv2types.LoadBalancer) string { return aws.ToString(lb.LoadBalancerArn) },
		ItemKey:    "load_balancer_arn",
		Exceptions: j.Exceptions,
	}
	return h.Run(ctx)
}

func (j *ALBJob) list(ctx context.Context, client awsapi.ELBv2API, cursor string) (scan.Page[elbv2types.LoadBalancer], error) {
	var page scan.Page[elbv2types.LoadBalancer]

	in := &elasticloadbalancingv2.DescribeLoadBalancersInput{}
	if cursor != "" {
		in.Marker = aws.String(cursor)
	}
	out, err := client.DescribeLoadBalancers(ctx, in)
	if err != nil {
		return page, fmt.Errorf("describe load balancers: %w", err)
	}
	page.Next = aws.ToString(out.NextMarker)

	var public []elbv2types.LoadBalancer
	var arns []string
	for _, lb := range out.LoadBalancers {
		if lb.Scheme == elbv2types.LoadBalancerSchemeEnumInternetFacing {
			public = append(public, lb)
			arns = append(arns, aws.ToString(lb.LoadBalancerArn))
		}
	}

	owned := map[string]bool{}
	for _, part := range chunk(arns, tagChunkSize) {
		tags, err := client.DescribeTags(ctx, &elasticloadbalancingv2.DescribeTagsInput{ResourceArns: part})
		if err != nil {
			return page, fmt.Errorf("describe tags: %w", err)
		}
		for _, desc := range tags.TagDescriptions {
			for _, tag := range desc.Tags {
				if kubernetesOwned(aws.ToString(tag.Key), aws.ToString(tag.Value)) {
					owned[aws.ToString(desc.ResourceArn)] = true
				}
			}
		}
	}

	for _, lb := range public {
		if !owned[aws.ToString(lb.LoadBalancerArn)] {
			page.Items = append(page.Items, lb)
		}
	}
	return page, nil
}

func (j *ALBJob) process(ctx context.Context, t scan.Target[awsapi.ELBv2API], lb elbv2types.LoadBalancer) error {
	name := aws.ToString(lb.DNSName)
	if j.Gate.Exists(ctx, t.AccountID, t.Region, j.Name(), name, violation.UnsecuredPublicEndpoint) {
		return nil
	}

	ports, err := j.listenerPorts(ctx, t.Client, aws.ToString(lb.LoadBalancerArn))
	if err != nil {
		return err
	}

	metadata := map[string]any{
		"load_balancer_arn":  aws.ToString(lb.LoadBalancerArn),
		"load_balancer_type": string(lb.Type),
	}
	var messages []string
	if bad := j.Policy.UnsecuredPorts(ports); len(bad) > 0 {
		metadata["unsecured_ports"] = bad
		messages = append(messages, fmt.Sprintf("Load balancer %s listens on insecure ports! Only ports %v are allowed",
			aws.ToString(lb.LoadBalancerName), j.Policy.Allowed))
	}

	if len(lb.SecurityGroups) > 0 {
		ec2Client, err := awsapi.EC2(ctx, j.Clients, t.AccountID, t.Region)
		if err != nil {
			return err
		}
		groups, err := j.Policy.checkGroups(ctx, ec2Client, lb.SecurityGroups)
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			metadata["unsecured_security_groups"] = groups
			messages = append(messages, fmt.Sprintf("Unsecured security group! Only ports %v are allowed", j.Policy.Allowed))
		}
	}

	if len(messages) == 0 {
		return nil
	}
	metadata["error_messages"] = messages
	j.record(ctx, j.Name(), t.AccountID, t.Region, name, violation.UnsecuredPublicEndpoint, metadata)
	return nil
}

func (j *ALBJob) listenerPorts(ctx context.Context, client awsapi.ELBv2API, arn string) ([]int, error) {
	var ports []int
	in := &elasticloadbalancingv2.DescribeListenersInput{LoadBalancerArn: aws.String(arn)}
	seen := map[string]bool{}
	for {
		out, err := client.DescribeListeners(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("describe listeners: %w", err)
		}
		for _, l := range out.Listeners {
			ports = append(ports, int(aws.ToInt32(l.Port)))
		}
		next := aws.ToString(out.NextMarker)
		if next == "" {
			return ports, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("describe listeners: %w", scan.ErrRepeatedCursor)
		}
		seen[next] = true
		in.Marker = aws.String(next)
	}
}
