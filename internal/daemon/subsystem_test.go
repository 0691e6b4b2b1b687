package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/leg100/jobq/internal/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSubsystem(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		exclusive bool
	}{
		{"backoff", false},
		{"backoff and wait and lock", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &Subsystem{
				Name:   tt.name,
				System: &fakeStartable{},
				Logger: logr.Discard(),
			}
			if tt.exclusive {
				sub.DB = &fakeWaitAndLock{}
				sub.LockID = new(int64(123))
			}
			var g errgroup.Group
			err := sub.Start(ctx, &g)
			require.NoError(t, err)
			assert.NoError(t, g.Wait())
		})
	}

	t.Run("lock ID without DB", func(t *testing.T) {
		sub := &Subsystem{
			Name:   "bad",
			System: &fakeStartable{},
			Logger: logr.Discard(),
			LockID: new(int64(123)),
		}
		err := sub.Start(ctx, &errgroup.Group{})
		assert.Error(t, err)
	})

	t.Run("restart after error", func(t *testing.T) {
		var calls atomic.Int32
		sub := &Subsystem{
			Name:   "flaky",
			Logger: logr.Discard(),
			System: StartFunc(func(ctx context.Context) error {
				if calls.Add(1) < 3 {
					return errors.New("flaky")
				}
				return nil
			}),
		}
		var g errgroup.Group
		require.NoError(t, sub.Start(ctx, &g))
		assert.NoError(t, g.Wait())
		assert.Equal(t, int32(3), calls.Load())
	})
}

type (
	fakeStartable   struct{}
	fakeWaitAndLock struct{}
)

func (f *fakeStartable) Start(ctx context.Context) error {
	return nil
}

func (f *fakeWaitAndLock) WaitAndLock(ctx context.Context, id int64, fn func(context.Context) error) error {
	return fn(ctx)
}
