package facts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/pkg/violation"
)

type mockImages struct {
	calls     atomic.Int32
	ImageFunc func(ctx context.Context, accountID, region, imageID string) (Image, bool, error)
}

func (m *mockImages) Image(ctx context.Context, accountID, region, imageID string) (Image, bool, error) {
	m.calls.Add(1)
	return m.ImageFunc(ctx, accountID, region, imageID)
}

type mockManifests struct {
	calls        atomic.Int32
	ManifestFunc func(ctx context.Context, instanceID, accountID, region string) (Manifest, bool, error)
}

func (m *mockManifests) Manifest(ctx context.Context, instanceID, accountID, region string) (Manifest, bool, error) {
	m.calls.Add(1)
	return m.ManifestFunc(ctx, instanceID, accountID, region)
}

type mockProvenance struct {
	calls         atomic.Int32
	SCMSourceFunc func(ctx context.Context, source string) (SCMSource, bool, error)
}

func (m *mockProvenance) SCMSource(ctx context.Context, source string) (SCMSource, bool, error) {
	m.calls.Add(1)
	return m.SCMSourceFunc(ctx, source)
}

type mockRegistrations struct {
	calls           atomic.Int32
	ApplicationFunc func(ctx context.Context, applicationID string) (Registration, bool, error)
}

func (m *mockRegistrations) Application(ctx context.Context, applicationID string) (Registration, bool, error) {
	m.calls.Add(1)
	return m.ApplicationFunc(ctx, applicationID)
}

var testIdentity = Identity{
	AccountID:  "111111111111",
	Region:     "eu-west-1",
	EventID:    "evt-1",
	EventName:  "RunInstances",
	ResourceID: "i-0abc",
	ImageID:    "ami-123",
	Username:   "deployer",
	Source:     "testRule",
}

func dockerManifest() *mockManifests {
	return &mockManifests{ManifestFunc: func(_ context.Context, instanceID, _, _ string) (Manifest, bool, error) {
		return Manifest{
			ApplicationID:      "kio",
			ApplicationVersion: "1.0",
			Runtime:            RuntimeDocker,
			Source:             "registry.example.org/team/kio:1.0",
		}, true, nil
	}}
}

func TestLazy_LoadsOnce(t *testing.T) {
	var calls atomic.Int32
	l := NewLazy(func(context.Context) (int, bool, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return 42, true, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := l.Get(context.Background())
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLazy_MemoizesErrorsAndAbsence(t *testing.T) {
	var calls int
	failing := NewLazy(func(context.Context) (string, bool, error) {
		calls++
		return "", false, errors.New("timeout")
	})
	for i := 0; i < 3; i++ {
		_, _, err := failing.Get(context.Background())
		assert.EqualError(t, err, "timeout")
	}

	absent := NewLazy(func(context.Context) (string, bool, error) {
		calls++
		return "", false, nil
	})
	for i := 0; i < 3; i++ {
		_, ok, err := absent.Get(context.Background())
		assert.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, calls)
}

func TestContext_NoLookupUntilRequested(t *testing.T) {
	manifests := dockerManifest()
	images := &mockImages{}
	fc := New(testIdentity, Collaborators{Manifests: manifests, Images: images}, TrustPolicy{})

	assert.Equal(t, testIdentity, fc.Identity())
	assert.Equal(t, int32(0), manifests.calls.Load())
	assert.Equal(t, int32(0), images.calls.Load())
}

func TestContext_ManifestFieldsShareOneLookup(t *testing.T) {
	manifests := dockerManifest()
	fc := New(testIdentity, Collaborators{Manifests: manifests}, TrustPolicy{})
	ctx := context.Background()

	appID, ok, err := fc.ApplicationID(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "kio", appID)

	version, _, _ := fc.ApplicationVersion(ctx)
	runtime, _, _ := fc.Runtime(ctx)
	source, _, _ := fc.Source(ctx)

	assert.Equal(t, "1.0", version)
	assert.Equal(t, RuntimeDocker, runtime)
	assert.Equal(t, "registry.example.org/team/kio:1.0", source)
	assert.Equal(t, int32(1), manifests.calls.Load())
}

func TestContext_DependentFactsResolveThroughManifest(t *testing.T) {
	manifests := dockerManifest()
	prov := &mockProvenance{SCMSourceFunc: func(_ context.Context, source string) (SCMSource, bool, error) {
		assert.Equal(t, "registry.example.org/team/kio:1.0", source)
		return SCMSource{"url": "git@example.org:team/kio.git", "status": ""}, true, nil
	}}
	regs := &mockRegistrations{ApplicationFunc: func(_ context.Context, id string) (Registration, bool, error) {
		return Registration{ID: id, Active: true}, true, nil
	}}

	fc := New(testIdentity, Collaborators{Manifests: manifests, Provenance: prov, Registrations: regs}, TrustPolicy{})
	ctx := context.Background()

	scm, ok, err := fc.Provenance(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "git@example.org:team/kio.git", scm.URL())
	assert.False(t, scm.Dirty())

	reg, ok, err := fc.Registration(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kio", reg.ID)

	_, _, _ = fc.Provenance(ctx)
	_, _, _ = fc.Registration(ctx)
	assert.Equal(t, int32(1), manifests.calls.Load())
	assert.Equal(t, int32(1), prov.calls.Load())
	assert.Equal(t, int32(1), regs.calls.Load())
}

func TestContext_ManifestFailurePropagates(t *testing.T) {
	manifests := &mockManifests{ManifestFunc: func(context.Context, string, string, string) (Manifest, bool, error) {
		return Manifest{}, false, errors.New("throttled")
	}}
	prov := &mockProvenance{}
	fc := New(testIdentity, Collaborators{Manifests: manifests, Provenance: prov}, TrustPolicy{})

	_, _, err := fc.Provenance(context.Background())
	assert.EqualError(t, err, "throttled")
	_, _, err = fc.ApplicationID(context.Background())
	assert.EqualError(t, err, "throttled")

	assert.Equal(t, int32(0), prov.calls.Load())
	assert.Equal(t, int32(1), manifests.calls.Load())
}

func TestContext_MissingCollaboratorsAreAbsent(t *testing.T) {
	fc := New(testIdentity, Collaborators{}, TrustPolicy{})
	ctx := context.Background()

	_, ok, err := fc.Manifest(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = fc.RegistryImage(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = fc.IsTrustedImage(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestContext_IsTrustedImage(t *testing.T) {
	policy := TrustPolicy{NamePrefix: "Taupage", Owners: []string{"999999999999"}}

	tests := []struct {
		name    string
		image   Image
		trusted bool
	}{
		{"trusted", Image{ID: "ami-123", Name: "Taupage-AMI-20260101", OwnerID: "999999999999"}, true},
		{"wrong owner", Image{ID: "ami-123", Name: "Taupage-AMI-20260101", OwnerID: "123456789012"}, false},
		{"wrong name", Image{ID: "ami-123", Name: "ubuntu-24.04", OwnerID: "999999999999"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := &mockImages{ImageFunc: func(_ context.Context, _, _, id string) (Image, bool, error) {
				assert.Equal(t, "ami-123", id)
				return tt.image, true, nil
			}}
			fc := New(testIdentity, Collaborators{Images: images}, policy)

			trusted, ok, err := fc.IsTrustedImage(context.Background())
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.trusted, trusted)
		})
	}
}

func TestContext_Violation(t *testing.T) {
	fc := New(testIdentity, Collaborators{Manifests: dockerManifest()}, TrustPolicy{})

	v := fc.Violation(context.Background(), violation.WrongImage, map[string]any{"ami_id": "ami-123"})

	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "111111111111", v.AccountID)
	assert.Equal(t, "eu-west-1", v.Region)
	assert.Equal(t, "evt-1", v.EventID)
	assert.Equal(t, "i-0abc", v.ResourceID)
	assert.Equal(t, "deployer", v.Username)
	assert.Equal(t, "testRule", v.Source)
	assert.Equal(t, "kio", v.ApplicationID)
	assert.Equal(t, "1.0", v.ApplicationVersion)
	assert.Equal(t, violation.WrongImage, v.Type)
	assert.Equal(t, "ami-123", v.Metadata["ami_id"])
}

func TestImage_Expired(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, Image{}.Expired(now))
	assert.True(t, Image{DeprecationTime: now.Add(-time.Hour)}.Expired(now))
	assert.False(t, Image{DeprecationTime: now.Add(time.Hour)}.Expired(now))
}

func TestSCMSource_Dirty(t *testing.T) {
	assert.False(t, SCMSource{}.Dirty())
	assert.False(t, SCMSource{"status": "false"}.Dirty())
	assert.False(t, SCMSource{"status": "FALSE"}.Dirty())
	assert.False(t, SCMSource{"status": "  "}.Dirty())
	assert.True(t, SCMSource{"status": "M pom.xml"}.Dirty())
}
