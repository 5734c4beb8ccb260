package lookup

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/yairfalse/vigil/internal/awsapi"
	"github.com/yairfalse/vigil/internal/clientcache"
	"github.com/yairfalse/vigil/internal/facts"
)

var ecrHost = regexp.MustCompile(`^(\d{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com$`)

// ImageRef is a parsed container image reference.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
}

// ParseImageRef splits "registry/repository:tag". A missing tag means "latest".
func ParseImageRef(source string) (ImageRef, bool) {
	source = strings.TrimPrefix(strings.TrimSpace(source), "docker://")
	host, rest, ok := strings.Cut(source, "/")
	if !ok || host == "" || rest == "" {
		return ImageRef{}, false
	}

	ref := ImageRef{Registry: host, Repository: rest, Tag: "latest"}
	if i := strings.LastIndex(rest, ":"); i > 0 {
		ref.Repository, ref.Tag = rest[:i], rest[i+1:]
	}
	if ref.Repository == "" || ref.Tag == "" {
		return ImageRef{}, false
	}
	return ref, true
}

// Registry resolves container images stored in ECR.
type Registry struct {
	clients clientcache.Source
}

// NewRegistry creates an ECR backed registry lookup.
func NewRegistry(clients clientcache.Source) *Registry {
	return &Registry{clients: clients}
}

// Image looks the source up in the ECR registry it names.
// The registry account and region come from the reference itself.
func (l *Registry) Image(ctx context.Context, _, _, source string) (facts.RegistryImage, bool, error) {
	ref, ok := ParseImageRef(source)
	if !ok {
		return facts.RegistryImage{}, false, fmt.Errorf("%w: %q", facts.ErrUnsupportedSource, source)
	}
	m := ecrHost.FindStringSubmatch(ref.Registry)
	if m == nil {
		return facts.RegistryImage{}, false, fmt.Errorf("%w: %s", facts.ErrUnsupportedSource, ref.Registry)
	}
	registryID, region := m[1], m[2]

	client, err := awsapi.ECR(ctx, l.clients, registryID, region)
	if err != nil {
		return facts.RegistryImage{}, false, err
	}

	out, err := client.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RegistryId:     aws.String(registryID),
		RepositoryName: aws.String(ref.Repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(ref.Tag)}},
	})
	if awsapi.IsNotFound(err, "ImageNotFoundException", "RepositoryNotFoundException") {
		return facts.RegistryImage{}, false, nil
	}
	if err != nil {
		return facts.RegistryImage{}, false, fmt.Errorf("describe %s: %w", source, err)
	}
	if len(out.ImageDetails) == 0 {
		return facts.RegistryImage{}, false, nil
	}

	d := out.ImageDetails[0]
	img := facts.RegistryImage{
		Repository: aws.ToString(d.RepositoryName),
		Tag:        ref.Tag,
		Digest:     aws.ToString(d.ImageDigest),
	}
	if d.ImagePushedAt != nil {
		img.PushedAt = *d.ImagePushedAt
	}
	return img, true, nil
}
