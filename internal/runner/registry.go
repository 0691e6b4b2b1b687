package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/sql"
)

type (
	// Registry tracks known runners.
	Registry interface {
		// Register a runner. If the options carry the ID of a known runner
		// then that runner is updated and returned.
		Register(ctx context.Context, opts RegisterOptions) (*Runner, error)
		Get(ctx context.Context, id resource.ID) (*Runner, error)
		List(ctx context.Context) ([]*Runner, error)
		SetAdoption(ctx context.Context, id resource.ID, to Adoption) (*Runner, error)
		// UpdateLiveness records that the runner was seen at the given time.
		UpdateLiveness(ctx context.Context, id resource.ID, at time.Time) error
		SetOnline(ctx context.Context, id resource.ID, online bool) error
	}

	// Service is the Registry implementation, persisting runners either in
	// memory or in postgres.
	Service struct {
		logr.Logger

		store     store
		autoAdopt bool
	}

	ServiceOptions struct {
		logr.Logger
		// DB is the postgres database. If nil runners are kept in memory.
		DB *sql.DB
		// AutoAdopt adopts remote runners upon registration.
		AutoAdopt bool
	}

	// store persists runners.
	store interface {
		create(ctx context.Context, runner *Runner) error
		get(ctx context.Context, id resource.ID) (*Runner, error)
		list(ctx context.Context) ([]*Runner, error)
		update(ctx context.Context, id resource.ID, fn func(*Runner) error) (*Runner, error)
	}
)

func NewService(opts ServiceOptions) *Service {
	svc := &Service{
		Logger:    opts.Logger.WithValues("component", "runner"),
		autoAdopt: opts.AutoAdopt,
	}
	if opts.DB != nil {
		svc.store = &pgStore{DB: opts.DB}
	} else {
		svc.store = newMemStore()
	}
	return svc
}

func (s *Service) Register(ctx context.Context, opts RegisterOptions) (*Runner, error) {
	if opts.ID != nil {
		runner, err := s.store.update(ctx, *opts.ID, func(runner *Runner) error {
			return runner.reregister(opts)
		})
		if err == nil {
			s.V(1).Info("re-registered runner", "runner", runner)
			return runner, nil
		}
		if !errors.Is(err, internal.ErrResourceNotFound) {
			return nil, fmt.Errorf("re-registering runner: %w", err)
		}
		// unknown ID: register afresh using the ID provided.
	}
	runner, err := newRunner(opts, s.autoAdopt)
	if err != nil {
		return nil, err
	}
	if err := s.store.create(ctx, runner); err != nil {
		return nil, fmt.Errorf("registering runner: %w", err)
	}
	s.Info("registered runner", "runner", runner)
	return runner, nil
}

func (s *Service) Get(ctx context.Context, id resource.ID) (*Runner, error) {
	return s.store.get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Runner, error) {
	return s.store.list(ctx)
}

func (s *Service) SetAdoption(ctx context.Context, id resource.ID, to Adoption) (*Runner, error) {
	runner, err := s.store.update(ctx, id, func(runner *Runner) error {
		return runner.setAdoption(to)
	})
	if err != nil {
		s.Error(err, "setting runner adoption", "id", id, "adoption", to)
		return nil, err
	}
	s.Info("set runner adoption", "runner", runner)
	return runner, nil
}

func (s *Service) UpdateLiveness(ctx context.Context, id resource.ID, at time.Time) error {
	_, err := s.store.update(ctx, id, func(runner *Runner) error {
		runner.seen(at)
		return nil
	})
	return err
}

func (s *Service) SetOnline(ctx context.Context, id resource.ID, online bool) error {
	runner, err := s.store.update(ctx, id, func(runner *Runner) error {
		runner.Online = online
		if online {
			runner.seen(internal.CurrentTimestamp())
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.V(2).Info("set runner online status", "runner", runner)
	return nil
}
