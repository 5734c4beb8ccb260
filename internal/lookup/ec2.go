// Package lookup implements the fact collaborators against AWS and the
// HTTP services vigil consults.
package lookup

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/facts"
)

// Images resolves machine images with DescribeImages.
type Images struct {
	clients clientcache.Source
}

// NewImages creates an image lookup.
func NewImages(clients clientcache.Source) *Images {
	return &Images{clients: clients}
}

// Image returns the image, absent when AWS does not know it.
func (l *Images) Image(ctx context.Context, accountID, region, imageID string) (facts.Image, bool, error) {
	client, err := awsapi.EC2(ctx, l.clients, accountID, region)
	if err != nil {
		return facts.Image{}, false, err
	}

	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if awsapi.IsNotFound(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable", "InvalidAMIID.Malformed") {
		return facts.Image{}, false, nil
	}
	if err != nil {
		return facts.Image{}, false, fmt.Errorf("describe image %s: %w", imageID, err)
	}
	if len(out.Images) == 0 {
		return facts.Image{}, false, nil
	}
	return convertImage(out.Images[0]), true, nil
}

func convertImage(img ec2types.Image) facts.Image {
	return facts.Image{
		ID:              aws.ToString(img.ImageId),
		Name:            aws.ToString(img.Name),
		OwnerID:         aws.ToString(img.OwnerId),
		CreationDate:    parseTime(aws.ToString(img.CreationDate)),
		DeprecationTime: parseTime(aws.ToString(img.DeprecationTime)),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Instance is the part of an EC2 instance the jobs look at.
type Instance struct {
	ID               string
	ImageID          string
	State            string
	PublicIP         string
	SecurityGroupIDs []string
}

// Instances resolves EC2 instances by id.
type Instances struct {
	clients clientcache.Source
}

// NewInstances creates an instance lookup.
func NewInstances(clients clientcache.Source) *Instances {
	return &Instances{clients: clients}
}

// Instance returns the instance, absent when it no longer exists.
func (l *Instances) Instance(ctx context.Context, accountID, region, instanceID string) (Instance, bool, error) {
	client, err := awsapi.EC2(ctx, l.clients, accountID, region)
	if err != nil {
		return Instance{}, false, err
	}

	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if awsapi.IsNotFound(err, "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed") {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return ConvertInstance(r.Instances[0]), true, nil
		}
	}
	return Instance{}, false, nil
}

// ConvertInstance maps an SDK instance.
func ConvertInstance(inst ec2types.Instance) Instance {
	out := Instance{
		ID:       aws.ToString(inst.InstanceId),
		ImageID:  aws.ToString(inst.ImageId),
		PublicIP: aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	for _, sg := range inst.SecurityGroups {
		out.SecurityGroupIDs = append(out.SecurityGroupIDs, aws.ToString(sg.GroupId))
	}
	return out
}

// Manifests reads deployment manifests from instance user data.
type Manifests struct {
	clients clientcache.Source
}

// NewManifests creates a manifest lookup.
func NewManifests(clients clientcache.Source) *Manifests {
	return &Manifests{clients: clients}
}

// Manifest returns the parsed user data. Missing or unparseable user data is absent.
func (l *Manifests) Manifest(ctx context.Context, instanceID, accountID, region string) (facts.Manifest, bool, error) {
	client, err := awsapi.EC2(ctx, l.clients, accountID, region)
	if err != nil {
		return facts.Manifest{}, false, err
	}

	out, err := client.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Attribute:  ec2types.InstanceAttributeNameUserData,
	})
	if awsapi.IsNotFound(err, "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed") {
		return facts.Manifest{}, false, nil
	}
	if err != nil {
		return facts.Manifest{}, false, fmt.Errorf("describe user data of %s: %w", instanceID, err)
	}
	if out.UserData == nil || aws.ToString(out.UserData.Value) == "" {
		return facts.Manifest{}, false, nil
	}

	m, ok := ParseManifest(aws.ToString(out.UserData.Value))
	return m, ok, nil
}

// ParseManifest decodes base64 user data holding a YAML manifest.
func ParseManifest(encoded string) (facts.Manifest, bool) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		data = []byte(encoded)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return facts.Manifest{}, false
	}

	var m facts.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return facts.Manifest{}, false
	}
	m.Raw = raw
	return m, true
}
