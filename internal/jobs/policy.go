package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/vigil/internal/awsapi"
)

const (
	kubernetesTagPrefix = "kubernetes.io/cluster/"
	schemeInternet      = "internet-facing"
	tagChunkSize        = 20
	worldIPv4           = "0.0.0.0/0"
	worldIPv6           = "::/0"
)

// PortPolicy decides which listener and ingress ports a public load balancer may expose.
type PortPolicy struct {
	Allowed []int
}

func (p PortPolicy) allowed(port int) bool {
	return slices.Contains(p.Allowed, port)
}

// UnsecuredPorts returns the sorted distinct ports that are not allowed.
func (p PortPolicy) UnsecuredPorts(ports []int) []int {
	var out []int
	for _, port := range ports {
		if !p.allowed(port) && !slices.Contains(out, port) {
			out = append(out, port)
		}
	}
	slices.Sort(out)
	return out
}

// GroupFinding describes a security group open to the world on a disallowed port.
type GroupFinding struct {
	GroupName string   `json:"group_name"`
	OpenPorts []string `json:"open_ports"`
}

// UnsecuredGroups returns the groups whose world-open ingress reaches a disallowed port.
func (p PortPolicy) UnsecuredGroups(groups []ec2types.SecurityGroup) map[string]GroupFinding {
	out := map[string]GroupFinding{}
	for _, g := range groups {
		var open []string
		for _, perm := range g.IpPermissions {
			if !worldOpen(perm) {
				continue
			}
			if r, bad := p.disallowedRange(perm); bad {
				open = append(open, r)
			}
		}
		if len(open) > 0 {
			out[aws.ToString(g.GroupId)] = GroupFinding{GroupName: aws.ToString(g.GroupName), OpenPorts: open}
		}
	}
	return out
}

func (p PortPolicy) disallowedRange(perm ec2types.IpPermission) (string, bool) {
	if aws.ToString(perm.IpProtocol) == "-1" || perm.FromPort == nil || perm.ToPort == nil {
		return "all", true
	}
	from, to := int(*perm.FromPort), int(*perm.ToPort)
	label := fmt.Sprint(from)
	if to != from {
		label = fmt.Sprintf("%d-%d", from, to)
	}
	if to-from+1 > len(p.Allowed) {
		return label, true
	}
	for port := from; port <= to; port++ {
		if !p.allowed(port) {
			return label, true
		}
	}
	return "", false
}

func worldOpen(perm ec2types.IpPermission) bool {
	for _, r := range perm.IpRanges {
		if aws.ToString(r.CidrIp) == worldIPv4 {
			return true
		}
	}
	for _, r := range perm.Ipv6Ranges {
		if aws.ToString(r.CidrIpv6) == worldIPv6 {
			return true
		}
	}
	return false
}

// checkGroups describes the security groups and applies the policy.
func (p PortPolicy) checkGroups(ctx context.Context, client awsapi.EC2API, groupIDs []string) (map[string]GroupFinding, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: groupIDs})
	if err != nil {
		return nil, fmt.Errorf("describe security groups: %w", err)
	}
	return p.UnsecuredGroups(out.SecurityGroups), nil
}

func kubernetesOwned(key, value string) bool {
	return value == "owned" && strings.HasPrefix(key, kubernetesTagPrefix)
}
