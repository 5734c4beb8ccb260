package facts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnsupportedSource is returned by registry lookups for image references
// outside the registries they know.
var ErrUnsupportedSource = errors.New("unsupported image source")

// Image describes a machine image.
type Image struct {
	ID              string
	Name            string
	OwnerID         string
	CreationDate    time.Time
	DeprecationTime time.Time
}

// Expired reports whether the image passed its deprecation time.
func (i Image) Expired(now time.Time) bool {
	return !i.DeprecationTime.IsZero() && i.DeprecationTime.Before(now)
}

// Manifest is the deployment descriptor carried in an instance's user data.
type Manifest struct {
	ApplicationID      string         `yaml:"application_id"`
	ApplicationVersion string         `yaml:"application_version"`
	Runtime            string         `yaml:"runtime"`
	Source             string         `yaml:"source"`
	Raw                map[string]any `yaml:"-"`
}

// RuntimeDocker is the manifest runtime for container workloads.
const RuntimeDocker = "Docker"

// RegistryImage is a container image found in a registry.
type RegistryImage struct {
	Repository string
	Tag        string
	Digest     string
	PushedAt   time.Time
}

// SCMSource is the provenance document stored next to a container image.
type SCMSource map[string]string

// URL returns the repository url, blank when missing.
func (s SCMSource) URL() string { return strings.TrimSpace(s["url"]) }

// Dirty reports whether the artifact was built from a modified working tree.
func (s SCMSource) Dirty() bool {
	status := strings.TrimSpace(s["status"])
	return status != "" && !strings.EqualFold(status, "false")
}

// Registration is an application entry in the application registry.
type Registration struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Active             bool   `json:"active"`
	PubliclyAccessible bool   `json:"publicly_accessible"`
}

// ImageLookup resolves machine images.
type ImageLookup interface {
	Image(ctx context.Context, accountID, region, imageID string) (Image, bool, error)
}

// ManifestLookup reads the deployment manifest of an instance.
type ManifestLookup interface {
	Manifest(ctx context.Context, instanceID, accountID, region string) (Manifest, bool, error)
}

// RegistryLookup finds a container image by its source reference.
type RegistryLookup interface {
	Image(ctx context.Context, accountID, region, source string) (RegistryImage, bool, error)
}

// ProvenanceLookup fetches the scm-source document of a container image.
type ProvenanceLookup interface {
	SCMSource(ctx context.Context, source string) (SCMSource, bool, error)
}

// RegistrationLookup queries the application registry.
type RegistrationLookup interface {
	Application(ctx context.Context, applicationID string) (Registration, bool, error)
}
