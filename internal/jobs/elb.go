package jobs

import (
	"context"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/probe"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/workerpool"
	"github.com/yairfalse/vigil/pkg/violation"
)

// ELBJob checks internet-facing classic load balancers for exposed ports.
type ELBJob struct {
	Deps
	Policy PortPolicy
	Pool   *workerpool.Pool
	Prober probe.Prober

	log zerolog.Logger
}

// NewELBJob creates the classic load balancer job.
func NewELBJob(d Deps, policy PortPolicy, pool *workerpool.Pool, prober probe.Prober) *ELBJob {
	return &ELBJob{
		Deps:   d,
		Policy: policy,
		Pool:   pool,
		Prober: prober,
		log:    d.logger(config.JobELB),
	}
}

// Name implements scheduler.Job.
func (j *ELBJob) Name() string { return config.JobELB }

// Run sweeps every account and region, then waits for outstanding probes.
func (j *ELBJob) Run(ctx context.Context) (scan.Stats, error) {
	var probes []*workerpool.Future[probe.Result]

	h := &scan.Harness[awsapi.ELBAPI, elbtypes.LoadBalancerDescription]{
		Job:      j.Name(),
		Accounts: j.Accounts,
		Regions:  j.Regions,
		Connect: func(ctx context.Context, accountID, region string) (awsapi.ELBAPI, error) {
			return awsapi.ELB(ctx, j.Clients, accountID, region)
		},
		List: j.list,
		Handle: func(ctx context.Context, t scan.Target[awsapi.ELBAPI], lb elbtypes.LoadBalancerDescription) error {
			submitted, err := j.process(ctx, t.AccountID, t.Region, lb)
			probes = append(probes, submitted...)
			return err
		},
		ItemID:     func(lb elbtypes.LoadBalancerDescription) string { return aws.ToString(lb.LoadBalancerName) },
		ItemKey:    "load_balancer_name",
		Exceptions: j.Exceptions,
	}

	stats, err := h.Run(ctx)
	for _, f := range probes {
		if _, perr := f.Await(ctx); perr != nil {
			j.log.Warn().Err(perr).Msg("probe did not complete")
		}
	}
	return stats, err
}

// list returns one page of public load balancers that are not owned by Kubernetes.
func (j *ELBJob) list(ctx context.Context, client awsapi.ELBAPI, cursor string) (scan.Page[elbtypes.LoadBalancerDescription], error) {
	var page scan.Page[elbtypes.LoadBalancerDescription]

	in := &elasticloadbalancing.DescribeLoadBalancersInput{}
	if cursor != "" {
		in.Marker = aws.String(cursor)
	}
	out, err := client.DescribeLoadBalancers(ctx, in)
	if err != nil {
		return page, fmt.Errorf("describe load balancers: %w", err)
	}
	page.Next = aws.ToString(out.NextMarker)

	var public []elbtypes.LoadBalancerDescription
	var names []string
	for _, lb := range out.LoadBalancerDescriptions {
		if aws.ToString(lb.Scheme) == schemeInternet {
			public = append(public, lb)
			names = append(names, aws.ToString(lb.LoadBalancerName))
		}
	}

	skip, err := j.kubernetesOwned(ctx, client, names)
	if err != nil {
		return page, err
	}
	for _, lb := range public {
		if !skip[aws.ToString(lb.LoadBalancerName)] {
			page.Items = append(page.Items, lb)
		}
	}
	return page, nil
}

func (j *ELBJob) kubernetesOwned(ctx context.Context, client awsapi.ELBAPI, names []string) (map[string]bool, error) {
	owned := map[string]bool{}
	for _, part := range chunk(names, tagChunkSize) {
		out, err := client.DescribeTags(ctx, &elasticloadbalancing.DescribeTagsInput{LoadBalancerNames: part})
		if err != nil {
			return nil, fmt.Errorf("describe tags: %w", err)
		}
		for _, desc := range out.TagDescriptions {
			for _, tag := range desc.Tags {
				if kubernetesOwned(aws.ToString(tag.Key), aws.ToString(tag.Value)) {
					owned[aws.ToString(desc.LoadBalancerName)] = true
				}
			}
		}
	}
	return owned, nil
}

func (j *ELBJob) process(ctx context.Context, account, region string, lb elbtypes.LoadBalancerDescription) ([]*workerpool.Future[probe.Result], error) {
	name := aws.ToString(lb.CanonicalHostedZoneName)
	if name == "" {
		name = aws.ToString(lb.DNSName)
	}
	if j.Gate.Exists(ctx, account, region, j.Name(), name, violation.UnsecuredPublicEndpoint) {
		return nil, nil
	}

	instanceIDs := make([]string, 0, len(lb.Instances))
	for _, inst := range lb.Instances {
		instanceIDs = append(instanceIDs, aws.ToString(inst.InstanceId))
	}

	fc, metadata, err := j.enrich(ctx, account, region, instanceIDs)
	if err != nil {
		return nil, err
	}

	var messages []string
	ports := make([]int, 0, len(lb.ListenerDescriptions))
	for _, l := range lb.ListenerDescriptions {
		if l.Listener != nil {
			ports = append(ports, int(l.Listener.LoadBalancerPort))
		}
	}
	if bad := j.Policy.UnsecuredPorts(ports); len(bad) > 0 {
		metadata["unsecured_ports"] = bad
		messages = append(messages, fmt.Sprintf("ELB %s listens on insecure ports! Only ports %v are allowed",
			aws.ToString(lb.LoadBalancerName), j.Policy.Allowed))
	}

	if len(lb.SecurityGroups) > 0 {
		ec2Client, err := awsapi.EC2(ctx, j.Clients, account, region)
		if err != nil {
			return nil, err
		}
		groups, err := j.Policy.checkGroups(ctx, ec2Client, lb.SecurityGroups)
		if err != nil {
			return nil, err
		}
		if len(groups) > 0 {
			metadata["unsecured_security_groups"] = groups
			messages = append(messages, fmt.Sprintf("Unsecured security group! Only ports %v are allowed", j.Policy.Allowed))
		}
	}

	if len(messages) > 0 {
		metadata["error_messages"] = messages
		j.put(ctx, fc.Violation(ctx, violation.UnsecuredPublicEndpoint, metadata), name)
		return nil, nil
	}

	reg, ok, err := fc.Registration(ctx)
	if err != nil {
		return nil, err
	}
	if ok && reg.PubliclyAccessible {
		return nil, nil
	}

	if j.Prober == nil || j.Pool == nil {
		return nil, nil
	}

	futures := make([]*workerpool.Future[probe.Result], 0, len(j.Policy.Allowed))
	for _, port := range j.Policy.Allowed {
		futures = append(futures, workerpool.Submit(j.Pool,
			func() (probe.Result, error) {
				return j.Prober.Probe(ctx, name, port), nil
			},
			func(res probe.Result, err error) {
				if err != nil {
					j.log.Warn().Err(err).Str("host", name).Int("port", port).Msg("probe failed")
					return
				}
				j.log.Debug().Str("host", name).Int("port", port).Bool("open", res.Open).Msg("probed")
				if !res.Open {
					return
				}
				md := maps.Clone(metadata)
				md["canonical_hosted_zone_name"] = name
				md["port"] = port
				md["error"] = res.Message
				j.put(ctx, fc.Violation(ctx, violation.UnsecuredPublicEndpoint, md), name)
			},
		))
	}
	return futures, nil
}

// enrich builds the fact context of the first backing instance that still exists
// and seeds metadata with its image details.
func (j *ELBJob) enrich(ctx context.Context, account, region string, instanceIDs []string) (*facts.Context, map[string]any, error) {
	metadata := map[string]any{}
	if j.Instances != nil {
		for _, id := range instanceIDs {
			inst, ok, err := j.Instances.Instance(ctx, account, region, id)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			fc := j.factsFor(j.Name(), account, region, inst.ID, inst.ImageID)
			img, found, err := fc.Image(ctx)
			if err != nil {
				return nil, nil, err
			}
			if found {
				addImage(metadata, img)
			}
			return fc, metadata, nil
		}
	}
	return j.factsFor(j.Name(), account, region, "", ""), metadata, nil
}
