// Package facts provides per-event fact contexts whose facts are resolved
// lazily and at most once.
package facts

import (
	"context"
	"slices"
	"strings"

	"github.com/yairfalse/vigil/pkg/violation"
)

// Identity is what is known about an event before any lookup.
type Identity struct {
	AccountID  string
	Region     string
	EventID    string
	EventName  string
	ResourceID string
	ImageID    string
	Username   string
	Source     string
}

// Collaborators are the lookups a context may call. Nil lookups yield absent facts.
type Collaborators struct {
	Images        ImageLookup
	Manifests     ManifestLookup
	Registry      RegistryLookup
	Provenance    ProvenanceLookup
	Registrations RegistrationLookup
}

// TrustPolicy decides which base images are trusted.
type TrustPolicy struct {
	NamePrefix string
	Owners     []string
}

// Trusts reports whether img is a trusted base image.
func (p TrustPolicy) Trusts(img Image) bool {
	return strings.HasPrefix(img.Name, p.NamePrefix) && slices.Contains(p.Owners, img.OwnerID)
}

// Context holds the facts about one (event, resource) pair.
// Facts are resolved in the order identity, manifest, image, provenance, registration.
type Context struct {
	id    Identity
	trust TrustPolicy

	manifest     *Lazy[Manifest]
	image        *Lazy[Image]
	registry     *Lazy[RegistryImage]
	provenance   *Lazy[SCMSource]
	registration *Lazy[Registration]
}

// New builds a context. No lookup runs until a fact is requested.
func New(id Identity, c Collaborators, trust TrustPolicy) *Context {
	fc := &Context{id: id, trust: trust}

	fc.manifest = NewLazy(func(ctx context.Context) (Manifest, bool, error) {
		if c.Manifests == nil || id.ResourceID == "" {
			return Manifest{}, false, nil
		}
		return c.Manifests.Manifest(ctx, id.ResourceID, id.AccountID, id.Region)
	})

	fc.image = NewLazy(func(ctx context.Context) (Image, bool, error) {
		if c.Images == nil || id.ImageID == "" {
			return Image{}, false, nil
		}
		return c.Images.Image(ctx, id.AccountID, id.Region, id.ImageID)
	})

	fc.registry = NewLazy(func(ctx context.Context) (RegistryImage, bool, error) {
		source, ok, err := fc.Source(ctx)
		if err != nil || !ok || c.Registry == nil {
			return RegistryImage{}, false, err
		}
		return c.Registry.Image(ctx, id.AccountID, id.Region, source)
	})

	fc.provenance = NewLazy(func(ctx context.Context) (SCMSource, bool, error) {
		source, ok, err := fc.Source(ctx)
		if err != nil || !ok || c.Provenance == nil {
			return nil, false, err
		}
		return c.Provenance.SCMSource(ctx, source)
	})

	fc.registration = NewLazy(func(ctx context.Context) (Registration, bool, error) {
		appID, ok, err := fc.ApplicationID(ctx)
		if err != nil || !ok || c.Registrations == nil {
			return Registration{}, false, err
		}
		return c.Registrations.Application(ctx, appID)
	})

	return fc
}

// Identity returns the identifying fields of the context.
func (c *Context) Identity() Identity { return c.id }

// Manifest returns the instance's deployment manifest.
func (c *Context) Manifest(ctx context.Context) (Manifest, bool, error) {
	return c.manifest.Get(ctx)
}

// Image returns the machine image the instance was launched from.
func (c *Context) Image(ctx context.Context) (Image, bool, error) {
	return c.image.Get(ctx)
}

// RegistryImage returns the container image referenced by the manifest.
func (c *Context) RegistryImage(ctx context.Context) (RegistryImage, bool, error) {
	return c.registry.Get(ctx)
}

// Provenance returns the scm-source document of the container image.
func (c *Context) Provenance(ctx context.Context) (SCMSource, bool, error) {
	return c.provenance.Get(ctx)
}

// Registration returns the registry entry of the manifest's application.
func (c *Context) Registration(ctx context.Context) (Registration, bool, error) {
	return c.registration.Get(ctx)
}

// ApplicationID returns the manifest's application id.
func (c *Context) ApplicationID(ctx context.Context) (string, bool, error) {
	return c.manifestField(ctx, func(m Manifest) string { return m.ApplicationID })
}

// ApplicationVersion returns the manifest's application version.
func (c *Context) ApplicationVersion(ctx context.Context) (string, bool, error) {
	return c.manifestField(ctx, func(m Manifest) string { return m.ApplicationVersion })
}

// Source returns the container image reference from the manifest.
func (c *Context) Source(ctx context.Context) (string, bool, error) {
	return c.manifestField(ctx, func(m Manifest) string { return m.Source })
}

// Runtime returns the manifest runtime.
func (c *Context) Runtime(ctx context.Context) (string, bool, error) {
	return c.manifestField(ctx, func(m Manifest) string { return m.Runtime })
}

func (c *Context) manifestField(ctx context.Context, field func(Manifest) string) (string, bool, error) {
	m, ok, err := c.Manifest(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	v := strings.TrimSpace(field(m))
	return v, v != "", nil
}

// IsTrustedImage reports whether the image is a trusted base image.
// An absent image is reported as absent rather than untrusted.
func (c *Context) IsTrustedImage(ctx context.Context) (trusted bool, ok bool, err error) {
	img, ok, err := c.Image(ctx)
	if err != nil || !ok {
		return false, false, err
	}
	return c.trust.Trusts(img), true, nil
}

// Violation creates a violation carrying the context's identity and, when
// known, the application id and version. Fact failures leave those blank.
func (c *Context) Violation(ctx context.Context, typ violation.Type, metadata map[string]any) violation.Violation {
	appID, _, _ := c.ApplicationID(ctx)
	appVersion, _, _ := c.ApplicationVersion(ctx)

	return violation.New(violation.Violation{
		AccountID:          c.id.AccountID,
		Region:             c.id.Region,
		EventID:            c.id.EventID,
		Type:               typ,
		ResourceID:         c.id.ResourceID,
		ApplicationID:      appID,
		ApplicationVersion: appVersion,
		Username:           c.id.Username,
		Source:             c.id.Source,
		Metadata:           metadata,
	})
}
