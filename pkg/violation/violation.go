// Package violation defines the normalized violation record emitted by vigil.
package violation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies a policy violation.
type Type string

const (
	UnsecuredPublicEndpoint  Type = "UNSECURED_PUBLIC_ENDPOINT"
	OutdatedImage            Type = "OUTDATED_IMAGE"
	WrongImage               Type = "WRONG_IMAGE"
	PasswordUsed             Type = "PASSWORD_USED"
	RootUserUsage            Type = "ROOT_USER_USAGE"
	CrossAccountRole         Type = "CROSS_ACCOUNT_ROLE"
	WrongRegion              Type = "WRONG_REGION"
	ImageInRegistryNotFound  Type = "IMAGE_IN_REGISTRY_NOT_FOUND"
	SCMSourceMissing         Type = "SCM_SOURCE_MISSING"
	SCMURLMissing            Type = "SCM_URL_MISSING"
	ArtifactFromDirtyRepo    Type = "ARTIFACT_BUILT_FROM_DIRTY_REPOSITORY"
	ApplicationNotRegistered Type = "APPLICATION_NOT_REGISTERED"
)

var knownTypes = map[Type]bool{
	UnsecuredPublicEndpoint:  true,
	OutdatedImage:            true,
	WrongImage:               true,
	PasswordUsed:             true,
	RootUserUsage:            true,
	CrossAccountRole:         true,
	WrongRegion:              true,
	ImageInRegistryNotFound:  true,
	SCMSourceMissing:         true,
	SCMURLMissing:            true,
	ArtifactFromDirtyRepo:    true,
	ApplicationNotRegistered: true,
}

// Valid reports whether t is a known violation type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// Violation is a single detected policy non-compliance.
// It is never mutated after creation; ownership passes to the sink.
type Violation struct {
	ID                 string         `json:"id"`
	AccountID          string         `json:"account_id"`
	Region             string         `json:"region"`
	EventID            string         `json:"event_id"`
	Type               Type           `json:"violation_type"`
	ResourceID         string         `json:"resource_id"`
	ApplicationID      string         `json:"application_id,omitempty"`
	ApplicationVersion string         `json:"application_version,omitempty"`
	Username           string         `json:"username,omitempty"`
	Source             string         `json:"source"`
	Metadata           map[string]any `json:"meta_info,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// New creates a violation stamped with a fresh ID and the current time.
func New(v Violation) Violation {
	v.ID = uuid.NewString()
	v.CreatedAt = time.Now().UTC()
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	return v
}

// Key identifies a violation independent of when it was recorded.
type Key struct {
	AccountID  string
	Region     string
	EventID    string
	ResourceID string
	Type       Type
}

// Key returns the identity of v used for de-duplication.
func (v Violation) Key() Key {
	return Key{
		AccountID:  v.AccountID,
		Region:     v.Region,
		EventID:    v.EventID,
		ResourceID: v.ResourceID,
		Type:       v.Type,
	}
}

// String renders the key as a stable, slash separated path.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.AccountID, k.Region, k.EventID, k.Type, k.ResourceID)
}

// Less orders keys lexicographically field by field.
func (k Key) Less(o Key) bool {
	if k.AccountID != o.AccountID {
		return k.AccountID < o.AccountID
	}
	if k.Region != o.Region {
		return k.Region < o.Region
	}
	if k.EventID != o.EventID {
		return k.EventID < o.EventID
	}
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.ResourceID < o.ResourceID
}
