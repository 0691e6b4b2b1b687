package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/sql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		store, err := NewMemStore()
		require.NoError(t, err)
		return store
	})
}

func TestPGStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewPGStore(sql.NewTestDB(t))
	})
}

// testStore runs the same suite against each store implementation.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	runnerID := resource.NewID(resource.RunnerKind)

	assign := func(j *Job) error {
		j.RunnerID = &runnerID
		j.AssignTime = internal.Ptr(internal.CurrentTimestamp())
		return nil
	}

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation, Payload: []byte(`{"app":"web"}`)}})
		require.NoError(t, store.Create(ctx, job))

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job, got)
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, resource.NewID(resource.JobKind))
		assert.Equal(t, internal.ErrResourceNotFound, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))
		assert.Equal(t, internal.ErrResourceAlreadyExists, store.Create(ctx, job))
	})

	t.Run("duplicate active singleton", func(t *testing.T) {
		store := newStore(t)
		first := New(CreateOptions{SingletonID: "deploy-app1", Operation: Operation{Kind: DeployOperation}})
		require.NoError(t, store.Create(ctx, first))

		second := New(CreateOptions{SingletonID: "deploy-app1", Operation: Operation{Kind: DeployOperation}})
		assert.Equal(t, internal.ErrResourceAlreadyExists, store.Create(ctx, second))

		// once the first finishes, the singleton id is free again
		_, err := store.CompareAndSetState(ctx, first.ID, Queued, Error, func(j *Job) error {
			j.Error = CanceledStatus()
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, store.Create(ctx, second))
	})

	t.Run("compare and set", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))

		updated, err := store.CompareAndSetState(ctx, job.ID, Queued, Waiting, assign)
		require.NoError(t, err)
		assert.Equal(t, Waiting, updated.State)
		assert.Equal(t, &runnerID, updated.RunnerID)

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("compare and set mismatch", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))

		current, err := store.CompareAndSetState(ctx, job.ID, Waiting, Running, nil)
		assert.True(t, errors.Is(err, ErrStateMismatch))
		require.NotNil(t, current)
		assert.Equal(t, Queued, current.State)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))
		_, err := store.CompareAndSetState(ctx, job.ID, Queued, Waiting, assign)
		require.NoError(t, err)
		_, err = store.CompareAndSetState(ctx, job.ID, Waiting, Running, nil)
		require.NoError(t, err)
		_, err = store.CompareAndSetState(ctx, job.ID, Running, Success, func(j *Job) error {
			j.Result = &Result{Kind: BuildOperation}
			return nil
		})
		require.NoError(t, err)

		for _, next := range []State{Queued, Waiting, Running, Success, Error} {
			_, err := store.CompareAndSetState(ctx, job.ID, Success, next, nil)
			assert.True(t, errors.Is(err, ErrInvalidStateTransition), next)
		}
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, Success, got.State)
	})

	t.Run("concurrent compare and set has one winner", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.CompareAndSetState(ctx, job.ID, Queued, Waiting, assign); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		require.NoError(t, store.Create(ctx, job))

		// unfinished jobs cannot be deleted
		assert.ErrorIs(t, store.Delete(ctx, job.ID), internal.ErrConflict)

		_, err := store.CompareAndSetState(ctx, job.ID, Queued, Error, func(j *Job) error {
			j.Error = CanceledStatus()
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, job.ID))

		_, err = store.Get(ctx, job.ID)
		assert.Equal(t, internal.ErrResourceNotFound, err)
		assert.Equal(t, internal.ErrResourceNotFound, store.Delete(ctx, job.ID))
	})

	t.Run("list", func(t *testing.T) {
		store := newStore(t)
		job1 := New(CreateOptions{SingletonID: "poll-app1", Operation: Operation{Kind: PollOperation}})
		job2 := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		job3 := New(CreateOptions{Operation: Operation{Kind: DeployOperation}})
		for _, j := range []*Job{job1, job2, job3} {
			require.NoError(t, store.Create(ctx, j))
		}
		_, err := store.CompareAndSetState(ctx, job2.ID, Queued, Waiting, assign)
		require.NoError(t, err)

		t.Run("all", func(t *testing.T) {
			got, err := store.List(ctx, ListOptions{})
			require.NoError(t, err)
			if assert.Len(t, got, 3) {
				assert.Equal(t, job1.ID, got[0].ID)
				assert.Equal(t, job2.ID, got[1].ID)
				assert.Equal(t, job3.ID, got[2].ID)
			}
		})

		t.Run("by state", func(t *testing.T) {
			got, err := store.List(ctx, ListOptions{States: []State{Queued}})
			require.NoError(t, err)
			if assert.Len(t, got, 2) {
				assert.Equal(t, job1.ID, got[0].ID)
				assert.Equal(t, job3.ID, got[1].ID)
			}
		})

		t.Run("by singleton", func(t *testing.T) {
			got, err := store.List(ctx, ListOptions{SingletonID: internal.Ptr("poll-app1")})
			require.NoError(t, err)
			if assert.Len(t, got, 1) {
				assert.Equal(t, job1.ID, got[0].ID)
			}
		})

		t.Run("by runner", func(t *testing.T) {
			got, err := store.List(ctx, ListOptions{RunnerID: &runnerID})
			require.NoError(t, err)
			if assert.Len(t, got, 1) {
				assert.Equal(t, job2.ID, got[0].ID)
			}
		})
	})
}
