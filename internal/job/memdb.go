package job

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-memdb"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

const (
	jobsTable      = "jobs"
	idIndex        = "id"        // lookup by job id
	stateIndex     = "state"     // lookup by job state
	singletonIndex = "singleton" // lookup by singleton id
	runnerIndex    = "runner"    // lookup by assigned runner
)

// MemStore is an in-memory job store built on go-memdb. Records in the
// database are immutable: every update inserts a modified copy.
type MemStore struct {
	db *memdb.MemDB
}

// record is the row stored in memdb, with the indexed fields of the job
// flattened into strings.
type record struct {
	ID        string
	State     string
	Singleton string
	Runner    string
	Job       *Job
}

func newRecord(job *Job) *record {
	r := &record{
		ID:    job.ID.String(),
		State: string(job.State),
		Job:   job,
	}
	if job.SingletonID != "" && !job.State.IsTerminal() {
		// only unfinished jobs take part in singleton de-duplication
		r.Singleton = job.SingletonID
	}
	if job.RunnerID != nil {
		r.Runner = job.RunnerID.String()
	}
	return r
}

func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("constructing in-memory job store: %w", err)
	}
	return &MemStore{db: db}, nil
}

func (s *MemStore) Create(ctx context.Context, job *Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, job.ID.String())
	if err != nil {
		return err
	}
	if existing != nil {
		return internal.ErrResourceAlreadyExists
	}
	if job.SingletonID != "" {
		existing, err := txn.First(jobsTable, singletonIndex, job.SingletonID)
		if err != nil {
			return err
		}
		if existing != nil {
			return internal.ErrResourceAlreadyExists
		}
	}
	if err := txn.Insert(jobsTable, newRecord(job.Clone())); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) Get(ctx context.Context, id resource.ID) (*Job, error) {
	txn := s.db.Txn(false)
	obj, err := txn.First(jobsTable, idIndex, id.String())
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, internal.ErrResourceNotFound
	}
	return obj.(*record).Job.Clone(), nil
}

func (s *MemStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	txn := s.db.Txn(false)

	// pick the most selective index available
	var iters []memdb.ResultIterator
	switch {
	case opts.RunnerID != nil:
		it, err := txn.Get(jobsTable, runnerIndex, opts.RunnerID.String())
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	case opts.States != nil:
		for _, state := range opts.States {
			it, err := txn.Get(jobsTable, stateIndex, string(state))
			if err != nil {
				return nil, err
			}
			iters = append(iters, it)
		}
	default:
		it, err := txn.Get(jobsTable, idIndex)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}

	var jobs []*Job
	for _, it := range iters {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			job := obj.(*record).Job
			if opts.matches(job) {
				jobs = append(jobs, job.Clone())
			}
		}
	}
	slices.SortFunc(jobs, Compare)
	return jobs, nil
}

func (s *MemStore) CompareAndSetState(ctx context.Context, id resource.ID, expected, next State, fn func(*Job) error) (*Job, error) {
	// memdb permits only a single write transaction at a time, which
	// serializes compare-and-set operations.
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(jobsTable, idIndex, id.String())
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, internal.ErrResourceNotFound
	}
	current := obj.(*record).Job
	updated, err := current.transition(expected, next, fn)
	if err != nil {
		return current.Clone(), err
	}
	if err := txn.Insert(jobsTable, newRecord(updated)); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated.Clone(), nil
}

func (s *MemStore) Delete(ctx context.Context, id resource.ID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(jobsTable, idIndex, id.String())
	if err != nil {
		return err
	}
	if obj == nil {
		return internal.ErrResourceNotFound
	}
	if !obj.(*record).Job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is unfinished", internal.ErrConflict, id)
	}
	if err := txn.Delete(jobsTable, obj); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func memStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					singletonIndex: {
						Name:         singletonIndex,
						Unique:       true,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Singleton"},
					},
					runnerIndex: {
						Name:         runnerIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Runner"},
					},
				},
			},
		},
	}
}
