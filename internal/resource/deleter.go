package resource

import (
	"context"
	"time"

	"github.com/leg100/jobq/internal/logr"
)

// By default check resources every minute
var deleterDefaultCheckInterval = time.Minute

type (
	deleteableResource interface {
		GetID() ID
	}

	// Deleter deletes resources that are older than a user-specified age.
	Deleter[R deleteableResource] struct {
		logr.Logger

		OverrideCheckInterval time.Duration
		AgeThreshold          time.Duration
		Client                DeleterClient[R]
	}

	DeleterClient[R any] interface {
		ListOlderThan(ctx context.Context, cutoff time.Time) ([]R, error)
		Delete(ctx context.Context, id ID) error
	}
)

// Start the deleter daemon.
func (e *Deleter[R]) Start(ctx context.Context) error {
	interval := deleterDefaultCheckInterval
	if e.OverrideCheckInterval != 0 {
		interval = e.OverrideCheckInterval
	}

	if err := e.deleteResources(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.deleteResources(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Deleter[R]) deleteResources(ctx context.Context) error {
	// Refuse to delete resources if age threshold is set to 0.
	if e.AgeThreshold == 0 {
		return nil
	}
	cutoff := time.Now().Add(-e.AgeThreshold)
	resources, err := e.Client.ListOlderThan(ctx, cutoff)
	if err != nil {
		e.Error(err, "retrieving old resources for deletion")
		return err
	}
	for _, res := range resources {
		if err := e.Client.Delete(ctx, res.GetID()); err != nil {
			e.Error(err, "deleting old resource", "id", res.GetID())
			return err
		}
		e.V(1).Info("deleted old resource", "id", res.GetID())
	}
	return nil
}
