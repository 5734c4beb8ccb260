package rules

import (
	"context"
	"errors"
	"slices"

	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/pkg/violation"
)

// RegionRule flags instances launched outside the allowed regions.
type RegionRule struct {
	Allowed []string
}

func (r *RegionRule) Name() string { return "RegionRule" }

func (r *RegionRule) Types() []violation.Type { return []violation.Type{violation.WrongRegion} }

func (r *RegionRule) Matches(ev Event) bool {
	return ev.Source == EventSourceEC2 && ev.Name == RunInstances
}

func (r *RegionRule) Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
	region := fc.Identity().Region
	if len(r.Allowed) == 0 || slices.Contains(r.Allowed, region) {
		return nil, nil
	}
	return []violation.Violation{fc.Violation(ctx, violation.WrongRegion, map[string]any{
		"region":          region,
		"allowed_regions": r.Allowed,
	})}, nil
}

// TrustedImageRule flags instances that do not run a trusted base image.
type TrustedImageRule struct{}

func (r *TrustedImageRule) Name() string { return "TrustedImageRule" }

func (r *TrustedImageRule) Types() []violation.Type { return []violation.Type{violation.WrongImage} }

func (r *TrustedImageRule) Matches(ev Event) bool { return ev.IsEC2Launch() }

func (r *TrustedImageRule) Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
	trusted, ok, err := fc.IsTrustedImage(ctx)
	if err != nil || !ok || trusted {
		return nil, err
	}

	img, _, _ := fc.Image(ctx)
	return []violation.Violation{fc.Violation(ctx, violation.WrongImage, map[string]any{
		"ami_id":       img.ID,
		"ami_name":     img.Name,
		"ami_owner_id": img.OwnerID,
	})}, nil
}

// RegistryRule checks the provenance of container workloads.
type RegistryRule struct{}

func (r *RegistryRule) Name() string { return "RegistryRule" }

func (r *RegistryRule) Types() []violation.Type {
	return []violation.Type{
		violation.ImageInRegistryNotFound,
		violation.SCMSourceMissing,
		violation.SCMURLMissing,
		violation.ArtifactFromDirtyRepo,
	}
}

func (r *RegistryRule) Matches(ev Event) bool { return ev.IsEC2Launch() }

func (r *RegistryRule) Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
	runtime, ok, err := fc.Runtime(ctx)
	if err != nil || !ok || runtime != facts.RuntimeDocker {
		return nil, err
	}
	source, ok, err := fc.Source(ctx)
	if err != nil || !ok {
		return nil, err
	}
	meta := map[string]any{"source": source}

	_, found, err := fc.RegistryImage(ctx)
	switch {
	case errors.Is(err, facts.ErrUnsupportedSource):
	case err != nil:
		return nil, err
	case !found:
		return []violation.Violation{fc.Violation(ctx, violation.ImageInRegistryNotFound, meta)}, nil
	}

	scm, found, err := fc.Provenance(ctx)
	if errors.Is(err, facts.ErrUnsupportedSource) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return []violation.Violation{fc.Violation(ctx, violation.SCMSourceMissing, meta)}, nil
	}

	var out []violation.Violation
	if scm.URL() == "" {
		out = append(out, fc.Violation(ctx, violation.SCMURLMissing, map[string]any{"source": source}))
	}
	if scm.Dirty() {
		dirty := map[string]any{"source": source}
		for k, v := range scm {
			dirty["scm_source_"+k] = v
		}
		out = append(out, fc.Violation(ctx, violation.ArtifactFromDirtyRepo, dirty))
	}
	return out, nil
}

// RegistrationRule flags instances whose application is unknown to the registry.
type RegistrationRule struct{}

func (r *RegistrationRule) Name() string { return "RegistrationRule" }

func (r *RegistrationRule) Types() []violation.Type {
	return []violation.Type{violation.ApplicationNotRegistered}
}

func (r *RegistrationRule) Matches(ev Event) bool { return ev.IsEC2Launch() }

func (r *RegistrationRule) Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
	appID, ok, err := fc.ApplicationID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	_, registered, err := fc.Registration(ctx)
	if err != nil || registered {
		return nil, err
	}
	return []violation.Violation{fc.Violation(ctx, violation.ApplicationNotRegistered, map[string]any{
		"application_id": appID,
	})}, nil
}

// Default returns the rule table used by the event job.
func Default(allowedRegions []string) []Rule {
	return []Rule{
		&RegionRule{Allowed: allowedRegions},
		&TrustedImageRule{},
		&RegistryRule{},
		&RegistrationRule{},
	}
}
