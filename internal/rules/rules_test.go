package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/internal/facts"
	"github.com/yairfalse/vigil/internal/gate"
	"github.com/yairfalse/vigil/internal/scan"
	"github.com/yairfalse/vigil/internal/sink"
	"github.com/yairfalse/vigil/pkg/violation"
)

const runInstancesJSON = `{
  "eventVersion": "1.08",
  "userIdentity": {
    "type": "AssumedRole",
    "principalId": "AROAEXAMPLE:deployer",
    "arn": "arn:aws:sts::111111111111:assumed-role/Deployer/deployer",
    "accountId": "111111111111"
  },
  "eventTime": "2026-03-01T10:00:00Z",
  "eventSource": "ec2.amazonaws.com",
  "eventName": "RunInstances",
  "awsRegion": "us-east-1",
  "responseElements": {
    "instancesSet": {
      "items": [
        {"instanceId": "i-0abc", "imageId": "ami-123"},
        {"instanceId": "i-0def", "imageId": "ami-123"}
      ]
    }
  },
  "eventID": "4b5c6d7e-0000-1111-2222-333344445555",
  "recipientAccountId": "111111111111"
}`

type mockManifests struct {
	calls        atomic.Int32
	ManifestFunc func(ctx context.Context, instanceID, accountID, region string) (facts.Manifest, bool, error)
}

func (m *mockManifests) Manifest(ctx context.Context, instanceID, accountID, region string) (facts.Manifest, bool, error) {
	m.calls.Add(1)
	if m.ManifestFunc == nil {
		return facts.Manifest{}, false, nil
	}
	return m.ManifestFunc(ctx, instanceID, accountID, region)
}

type mockImages struct {
	ImageFunc func(ctx context.Context, accountID, region, imageID string) (facts.Image, bool, error)
}

func (m *mockImages) Image(ctx context.Context, accountID, region, imageID string) (facts.Image, bool, error) {
	return m.ImageFunc(ctx, accountID, region, imageID)
}

type mockRegistry struct {
	ImageFunc func(ctx context.Context, accountID, region, source string) (facts.RegistryImage, bool, error)
}

func (m *mockRegistry) Image(ctx context.Context, accountID, region, source string) (facts.RegistryImage, bool, error) {
	return m.ImageFunc(ctx, accountID, region, source)
}

type mockProvenance struct {
	SCMSourceFunc func(ctx context.Context, source string) (facts.SCMSource, bool, error)
}

func (m *mockProvenance) SCMSource(ctx context.Context, source string) (facts.SCMSource, bool, error) {
	return m.SCMSourceFunc(ctx, source)
}

type mockRegistrations struct {
	ApplicationFunc func(ctx context.Context, id string) (facts.Registration, bool, error)
}

func (m *mockRegistrations) Application(ctx context.Context, id string) (facts.Registration, bool, error) {
	return m.ApplicationFunc(ctx, id)
}

type mockQuery struct {
	ExistsFunc func(ctx context.Context, key violation.Key) (bool, error)
}

func (m *mockQuery) Exists(ctx context.Context, key violation.Key) (bool, error) {
	if m.ExistsFunc == nil {
		return false, nil
	}
	return m.ExistsFunc(ctx, key)
}

type mockRule struct {
	name         string
	types        []violation.Type
	EvaluateFunc func(ctx context.Context, fc *facts.Context) ([]violation.Violation, error)
}

func (m *mockRule) Name() string { return m.name }

func (m *mockRule) Types() []violation.Type { return m.types }

func (m *mockRule) Matches(Event) bool { return true }

func (m *mockRule) Evaluate(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
	return m.EvaluateFunc(ctx, fc)
}

func testEvent(t *testing.T) Event {
	t.Helper()
	ev, err := ParseCloudTrailEvent([]byte(runInstancesJSON))
	require.NoError(t, err)
	return ev
}

func contextFor(ev Event, inst Instance, c facts.Collaborators) *facts.Context {
	return facts.New(facts.Identity{
		AccountID:  ev.AccountID,
		Region:     ev.Region,
		EventID:    ev.ID,
		EventName:  ev.Name,
		ResourceID: inst.ID,
		ImageID:    inst.ImageID,
		Username:   ev.Username,
	}, c, facts.TrustPolicy{NamePrefix: "Taupage", Owners: []string{"999999999999"}})
}

func dockerManifest(source string) *mockManifests {
	return &mockManifests{ManifestFunc: func(context.Context, string, string, string) (facts.Manifest, bool, error) {
		return facts.Manifest{ApplicationID: "kio", ApplicationVersion: "1.0", Runtime: facts.RuntimeDocker, Source: source}, true, nil
	}}
}

func TestParseCloudTrailEvent(t *testing.T) {
	ev := testEvent(t)

	assert.Equal(t, "4b5c6d7e-0000-1111-2222-333344445555", ev.ID)
	assert.Equal(t, RunInstances, ev.Name)
	assert.Equal(t, EventSourceEC2, ev.Source)
	assert.Equal(t, "111111111111", ev.AccountID)
	assert.Equal(t, "us-east-1", ev.Region)
	assert.Equal(t, "deployer", ev.Username)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ev.Time)
	assert.Equal(t, []Instance{{ID: "i-0abc", ImageID: "ami-123"}, {ID: "i-0def", ImageID: "ami-123"}}, ev.Instances)
	assert.True(t, ev.IsEC2Launch())
}

func TestParseCloudTrailEvent_Invalid(t *testing.T) {
	_, err := ParseCloudTrailEvent([]byte(`{"eventSource":"ec2.amazonaws.com"}`))
	assert.Error(t, err)

	_, err = ParseCloudTrailEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDispatch_GateShortCircuitsBeforeFacts(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	manifests := dockerManifest("registry.example.org/team/kio:1.0")
	fc := contextFor(ev, inst, facts.Collaborators{Manifests: manifests})

	q := &mockQuery{ExistsFunc: func(_ context.Context, k violation.Key) (bool, error) {
		assert.Equal(t, ev.ID, k.EventID)
		assert.Equal(t, inst.ID, k.ResourceID)
		return k.Type == violation.ApplicationNotRegistered, nil
	}}
	rec := sink.NewRecorder(10)
	d := NewDispatcher([]Rule{&RegistrationRule{}}, gate.New(q), rec, &scan.Recorder{})

	assert.Equal(t, 0, d.Dispatch(context.Background(), ev, inst, fc))
	assert.Equal(t, int32(0), manifests.calls.Load())
	assert.Empty(t, rec.Drain())
}

func TestDispatch_IsolatesFailingRules(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	fc := contextFor(ev, inst, facts.Collaborators{})

	ok := &mockRule{name: "ok", types: []violation.Type{violation.WrongRegion}, EvaluateFunc: func(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
		return []violation.Violation{fc.Violation(ctx, violation.WrongRegion, nil)}, nil
	}}
	failing := &mockRule{name: "failing", types: []violation.Type{violation.WrongImage}, EvaluateFunc: func(context.Context, *facts.Context) ([]violation.Violation, error) {
		return nil, errors.New("throttled")
	}}
	panicking := &mockRule{name: "panicking", types: []violation.Type{violation.SCMURLMissing}, EvaluateFunc: func(context.Context, *facts.Context) ([]violation.Violation, error) {
		panic("nil pointer")
	}}

	rec := sink.NewRecorder(10)
	exc := &scan.Recorder{}
	d := NewDispatcher([]Rule{failing, panicking, ok}, gate.New(&mockQuery{}), rec, exc)

	assert.Equal(t, 1, d.Dispatch(context.Background(), ev, inst, fc))

	got := rec.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Source)

	reported := exc.Exceptions()
	require.Len(t, reported, 2)
	assert.Equal(t, "failing", reported[0].Fields["rule"])
	assert.Equal(t, "i-0abc", reported[0].Fields["instance_id"])
	assert.Equal(t, "panicking", reported[1].Fields["rule"])
}

func TestDispatch_DropsAlreadyRecordedResults(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	fc := contextFor(ev, inst, facts.Collaborators{Manifests: dockerManifest("registry.example.org/team/kio:1.0")})

	// the rule's declared types are clear but the raised one is recorded
	q := &mockQuery{ExistsFunc: func(_ context.Context, k violation.Key) (bool, error) {
		return k.Type == violation.SCMURLMissing, nil
	}}
	rule := &mockRule{name: "multi", types: []violation.Type{violation.WrongImage}, EvaluateFunc: func(ctx context.Context, fc *facts.Context) ([]violation.Violation, error) {
		return []violation.Violation{
			fc.Violation(ctx, violation.SCMURLMissing, nil),
			fc.Violation(ctx, violation.WrongImage, nil),
		}, nil
	}}

	rec := sink.NewRecorder(10)
	d := NewDispatcher([]Rule{rule}, gate.New(q), rec, &scan.Recorder{})

	assert.Equal(t, 1, d.Dispatch(context.Background(), ev, inst, fc))
	got := rec.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, violation.WrongImage, got[0].Type)
}

func TestRegionRule(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	rule := &RegionRule{Allowed: []string{"eu-west-1", "eu-central-1"}}
	require.True(t, rule.Matches(ev))

	out, err := rule.Evaluate(context.Background(), contextFor(ev, inst, facts.Collaborators{}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, violation.WrongRegion, out[0].Type)
	assert.Equal(t, "i-0abc", out[0].ResourceID)
	assert.Equal(t, "us-east-1", out[0].Metadata["region"])

	ev.Region = "eu-west-1"
	out, err = rule.Evaluate(context.Background(), contextFor(ev, inst, facts.Collaborators{}))
	require.NoError(t, err)
	assert.Empty(t, out)

	ev.Name = StartInstances
	assert.False(t, rule.Matches(ev))
}

func TestTrustedImageRule(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]

	tests := []struct {
		name  string
		image facts.Image
		found bool
		want  int
	}{
		{"trusted", facts.Image{ID: "ami-123", Name: "Taupage-AMI-1", OwnerID: "999999999999"}, true, 0},
		{"untrusted", facts.Image{ID: "ami-123", Name: "ubuntu", OwnerID: "099720109477"}, true, 1},
		{"absent", facts.Image{}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := &mockImages{ImageFunc: func(context.Context, string, string, string) (facts.Image, bool, error) {
				return tt.image, tt.found, nil
			}}
			out, err := (&TrustedImageRule{}).Evaluate(context.Background(), contextFor(ev, inst, facts.Collaborators{Images: images}))
			require.NoError(t, err)
			require.Len(t, out, tt.want)
			if tt.want > 0 {
				assert.Equal(t, violation.WrongImage, out[0].Type)
				assert.Equal(t, "099720109477", out[0].Metadata["ami_owner_id"])
			}
		})
	}
}

func TestRegistryRule(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	const source = "123456789012.dkr.ecr.eu-west-1.amazonaws.com/team/kio:1.0"

	found := func(context.Context, string, string, string) (facts.RegistryImage, bool, error) {
		return facts.RegistryImage{Repository: "team/kio", Tag: "1.0"}, true, nil
	}
	missing := func(context.Context, string, string, string) (facts.RegistryImage, bool, error) {
		return facts.RegistryImage{}, false, nil
	}
	scm := func(doc facts.SCMSource) func(context.Context, string) (facts.SCMSource, bool, error) {
		return func(context.Context, string) (facts.SCMSource, bool, error) {
			return doc, doc != nil, nil
		}
	}

	tests := []struct {
		name     string
		runtime  string
		registry func(context.Context, string, string, string) (facts.RegistryImage, bool, error)
		scm      func(context.Context, string) (facts.SCMSource, bool, error)
		want     []violation.Type
	}{
		{"clean", facts.RuntimeDocker, found, scm(facts.SCMSource{"url": "git:x", "status": ""}), nil},
		{"not docker", "Java", missing, scm(nil), nil},
		{"image missing", facts.RuntimeDocker, missing, scm(nil), []violation.Type{violation.ImageInRegistryNotFound}},
		{"scm missing", facts.RuntimeDocker, found, scm(nil), []violation.Type{violation.SCMSourceMissing}},
		{"url missing and dirty", facts.RuntimeDocker, found, scm(facts.SCMSource{"status": "M pom.xml"}),
			[]violation.Type{violation.SCMURLMissing, violation.ArtifactFromDirtyRepo}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifests := &mockManifests{ManifestFunc: func(context.Context, string, string, string) (facts.Manifest, bool, error) {
				return facts.Manifest{ApplicationID: "kio", Runtime: tt.runtime, Source: source}, true, nil
			}}
			fc := contextFor(ev, inst, facts.Collaborators{
				Manifests:  manifests,
				Registry:   &mockRegistry{ImageFunc: tt.registry},
				Provenance: &mockProvenance{SCMSourceFunc: tt.scm},
			})

			out, err := (&RegistryRule{}).Evaluate(context.Background(), fc)
			require.NoError(t, err)

			var got []violation.Type
			for _, v := range out {
				got = append(got, v.Type)
				assert.Equal(t, source, v.Metadata["source"])
				assert.Equal(t, "kio", v.ApplicationID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryRule_UnsupportedRegistrySkipsImageCheck(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]
	fc := contextFor(ev, inst, facts.Collaborators{
		Manifests: dockerManifest("registry.example.org/team/kio:1.0"),
		Registry: &mockRegistry{ImageFunc: func(context.Context, string, string, string) (facts.RegistryImage, bool, error) {
			return facts.RegistryImage{}, false, facts.ErrUnsupportedSource
		}},
		Provenance: &mockProvenance{SCMSourceFunc: func(context.Context, string) (facts.SCMSource, bool, error) {
			return facts.SCMSource{"url": "git:x"}, true, nil
		}},
	})

	out, err := (&RegistryRule{}).Evaluate(context.Background(), fc)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRegistrationRule(t *testing.T) {
	ev := testEvent(t)
	inst := ev.Instances[0]

	for _, registered := range []bool{true, false} {
		regs := &mockRegistrations{ApplicationFunc: func(_ context.Context, id string) (facts.Registration, bool, error) {
			assert.Equal(t, "kio", id)
			return facts.Registration{ID: id}, registered, nil
		}}
		fc := contextFor(ev, inst, facts.Collaborators{Manifests: dockerManifest("x/y:1"), Registrations: regs})

		out, err := (&RegistrationRule{}).Evaluate(context.Background(), fc)
		require.NoError(t, err)
		if registered {
			assert.Empty(t, out)
			continue
		}
		require.Len(t, out, 1)
		assert.Equal(t, violation.ApplicationNotRegistered, out[0].Type)
		assert.Equal(t, "kio", out[0].Metadata["application_id"])
	}
}

func TestDefault(t *testing.T) {
	rules := Default([]string{"eu-west-1"})
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name())
		assert.NotEmpty(t, r.Types())
	}
	assert.Equal(t, []string{"RegionRule", "TrustedImageRule", "RegistryRule", "RegistrationRule"}, names)
}
