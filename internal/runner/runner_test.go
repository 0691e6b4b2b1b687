package runner

import (
	"context"
	"testing"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/sql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunner(t *testing.T) {
	tests := []struct {
		name      string
		opts      RegisterOptions
		autoAdopt bool
		want      Adoption
		wantErr   bool
	}{
		{"local", RegisterOptions{Name: "laptop", Kind: LocalKind}, false, Preadopted, false},
		{"remote", RegisterOptions{Name: "ci-1", Kind: RemoteKind}, false, Pending, false},
		{"remote auto-adopted", RegisterOptions{Name: "ci-1", Kind: RemoteKind}, true, Adopted, false},
		{"on-demand", RegisterOptions{Name: "od-1", Kind: OnDemandKind, Profile: "docker"}, false, Adopted, false},
		{"on-demand without profile", RegisterOptions{Name: "od-1", Kind: OnDemandKind}, false, "", true},
		{"missing name", RegisterOptions{Kind: RemoteKind}, false, "", true},
		{"invalid kind", RegisterOptions{Name: "x", Kind: "cloud"}, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newRunner(tt.opts, tt.autoAdopt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Adoption)
			assert.Equal(t, resource.RunnerKind, got.ID.Kind)
		})
	}
}

func TestRunner_Assignable(t *testing.T) {
	assert.True(t, (&Runner{Adoption: Adopted}).Assignable())
	assert.True(t, (&Runner{Adoption: Preadopted}).Assignable())
	assert.False(t, (&Runner{Adoption: Pending}).Assignable())
	assert.False(t, (&Runner{Adoption: Rejected}).Assignable())
}

func TestService(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		testService(t, func(t *testing.T) *Service {
			return NewService(ServiceOptions{Logger: logr.Discard()})
		})
	})
	t.Run("postgres", func(t *testing.T) {
		testService(t, func(t *testing.T) *Service {
			return NewService(ServiceOptions{Logger: logr.Discard(), DB: sql.NewTestDB(t)})
		})
	})
}

func testService(t *testing.T, newService func(t *testing.T) *Service) {
	ctx := context.Background()

	t.Run("register and get", func(t *testing.T) {
		svc := newService(t)
		registered, err := svc.Register(ctx, RegisterOptions{
			Name:   "ci-1",
			Kind:   RemoteKind,
			Labels: map[string]string{"os": "linux"},
		})
		require.NoError(t, err)

		got, err := svc.Get(ctx, registered.ID)
		require.NoError(t, err)
		assert.Equal(t, registered, got)
	})

	t.Run("re-register retains adoption", func(t *testing.T) {
		svc := newService(t)
		registered, err := svc.Register(ctx, RegisterOptions{Name: "ci-1", Kind: RemoteKind})
		require.NoError(t, err)
		_, err = svc.SetAdoption(ctx, registered.ID, Adopted)
		require.NoError(t, err)

		again, err := svc.Register(ctx, RegisterOptions{
			ID:     &registered.ID,
			Name:   "ci-1-renamed",
			Kind:   RemoteKind,
			Labels: map[string]string{"os": "darwin"},
		})
		require.NoError(t, err)
		assert.Equal(t, registered.ID, again.ID)
		assert.Equal(t, Adopted, again.Adoption)
		assert.Equal(t, "ci-1-renamed", again.Name)
		assert.Equal(t, "darwin", again.Labels["os"])
	})

	t.Run("register with unknown id", func(t *testing.T) {
		svc := newService(t)
		id := resource.NewID(resource.RunnerKind)
		registered, err := svc.Register(ctx, RegisterOptions{ID: &id, Name: "od-1", Kind: OnDemandKind, Profile: "docker"})
		require.NoError(t, err)
		assert.Equal(t, id, registered.ID)
	})

	t.Run("adopt and reject", func(t *testing.T) {
		svc := newService(t)
		registered, err := svc.Register(ctx, RegisterOptions{Name: "ci-1", Kind: RemoteKind})
		require.NoError(t, err)

		adopted, err := svc.SetAdoption(ctx, registered.ID, Adopted)
		require.NoError(t, err)
		assert.Equal(t, Adopted, adopted.Adoption)

		rejected, err := svc.SetAdoption(ctx, registered.ID, Rejected)
		require.NoError(t, err)
		assert.Equal(t, Rejected, rejected.Adoption)

		_, err = svc.SetAdoption(ctx, registered.ID, Pending)
		assert.ErrorIs(t, err, internal.ErrInvalidArgument)
	})

	t.Run("liveness", func(t *testing.T) {
		svc := newService(t)
		registered, err := svc.Register(ctx, RegisterOptions{Name: "ci-1", Kind: RemoteKind})
		require.NoError(t, err)

		require.NoError(t, svc.SetOnline(ctx, registered.ID, true))
		later := registered.LastSeen.Add(time.Minute)
		require.NoError(t, svc.UpdateLiveness(ctx, registered.ID, later))
		// stale heartbeats do not move last seen backwards
		require.NoError(t, svc.UpdateLiveness(ctx, registered.ID, registered.LastSeen))

		got, err := svc.Get(ctx, registered.ID)
		require.NoError(t, err)
		assert.True(t, got.Online)
		assert.Equal(t, later, got.LastSeen)
		assert.Equal(t, registered.FirstSeen, got.FirstSeen)
	})

	t.Run("list", func(t *testing.T) {
		svc := newService(t)
		for _, name := range []string{"a", "b", "c"} {
			_, err := svc.Register(ctx, RegisterOptions{Name: name, Kind: RemoteKind})
			require.NoError(t, err)
		}
		got, err := svc.List(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("missing", func(t *testing.T) {
		svc := newService(t)
		_, err := svc.Get(ctx, resource.NewID(resource.RunnerKind))
		assert.Equal(t, internal.ErrResourceNotFound, err)
	})
}

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles([]byte(`
profiles:
  - name: docker-large
    plugin_type: docker
    labels:
      size: large
    target_labels:
      launcher: docker
    config:
      image: jobq/runner:latest
      memory: 4096
  - name: k8s
    plugin_type: kubernetes
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"docker-large", "k8s"}, profiles.Names())

	docker, err := profiles.Get("docker-large")
	require.NoError(t, err)
	assert.Equal(t, "docker", docker.PluginType)
	assert.Equal(t, map[string]string{"size": "large"}, docker.Labels)
	assert.Equal(t, map[string]string{"launcher": "docker"}, docker.TargetLabels)
	assert.Equal(t, "jobq/runner:latest", docker.Config["image"])

	_, err = profiles.Get("missing")
	assert.ErrorIs(t, err, internal.ErrResourceNotFound)

	t.Run("duplicate", func(t *testing.T) {
		_, err := ParseProfiles([]byte("profiles:\n  - {name: a, plugin_type: docker}\n  - {name: a, plugin_type: docker}\n"))
		assert.Error(t, err)
	})

	t.Run("missing plugin type", func(t *testing.T) {
		_, err := ParseProfiles([]byte("profiles:\n  - {name: a}\n"))
		assert.Error(t, err)
	})
}
