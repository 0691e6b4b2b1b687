package resource

import (
	"context"
	"testing"
	"time"

	"github.com/leg100/jobq/internal/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleteable struct {
	id      ID
	created time.Time
}

func (f *fakeDeleteable) GetID() ID { return f.id }

type fakeDeleterClient struct {
	resources []*fakeDeleteable
	deleted   []ID
}

func (f *fakeDeleterClient) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*fakeDeleteable, error) {
	var older []*fakeDeleteable
	for _, r := range f.resources {
		if r.created.Before(cutoff) {
			older = append(older, r)
		}
	}
	return older, nil
}

func (f *fakeDeleterClient) Delete(ctx context.Context, id ID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestDeleter(t *testing.T) {
	old := &fakeDeleteable{id: NewID(JobKind), created: time.Now().Add(-2 * time.Hour)}
	recent := &fakeDeleteable{id: NewID(JobKind), created: time.Now()}

	t.Run("delete old resources", func(t *testing.T) {
		client := &fakeDeleterClient{resources: []*fakeDeleteable{old, recent}}
		deleter := &Deleter[*fakeDeleteable]{
			Logger:       logr.Discard(),
			AgeThreshold: time.Hour,
			Client:       client,
		}
		require.NoError(t, deleter.deleteResources(context.Background()))
		assert.Equal(t, []ID{old.id}, client.deleted)
	})

	t.Run("zero threshold disables deletion", func(t *testing.T) {
		client := &fakeDeleterClient{resources: []*fakeDeleteable{old, recent}}
		deleter := &Deleter[*fakeDeleteable]{
			Logger: logr.Discard(),
			Client: client,
		}
		require.NoError(t, deleter.deleteResources(context.Background()))
		assert.Empty(t, client.deleted)
	})
}
