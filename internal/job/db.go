package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/sql"
)

// PGStore is a job store backed by postgres. The job is stored as a JSON
// document alongside the columns needed for querying and for enforcing
// singleton uniqueness.
type PGStore struct {
	*sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

func (db *PGStore) Create(ctx context.Context, job *Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
INSERT INTO jobs (
    job_id,
    singleton_id,
    state,
    queue_time,
    runner_id,
    job
) VALUES (
    @job_id,
    @singleton_id,
    @state,
    @queue_time,
    @runner_id,
    @job
)`, pgx.NamedArgs{
		"job_id":       job.ID.String(),
		"singleton_id": nullString(job.SingletonID),
		"state":        job.State,
		"queue_time":   job.QueueTime,
		"runner_id":    nullID(job.RunnerID),
		"job":          doc,
	})
	return err
}

func (db *PGStore) Get(ctx context.Context, id resource.ID) (*Job, error) {
	rows := db.Query(ctx, `
SELECT job
FROM jobs
WHERE job_id = $1
`, id.String())
	return sql.CollectOneRow(rows, scanJob)
}

func (db *PGStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	args := pgx.NamedArgs{}
	if opts.States != nil {
		states := make([]string, len(opts.States))
		for i, s := range opts.States {
			states[i] = string(s)
		}
		args["states"] = states
	}
	if opts.SingletonID != nil {
		args["singleton_id"] = *opts.SingletonID
	}
	if opts.RunnerID != nil {
		args["runner_id"] = opts.RunnerID.String()
	}
	rows := db.Query(ctx, `
SELECT job
FROM jobs
WHERE ((@states)::text[] IS NULL OR state = ANY(@states))
AND   ((@singleton_id)::text IS NULL OR singleton_id = @singleton_id)
AND   ((@runner_id)::text IS NULL OR runner_id = @runner_id)
ORDER BY queue_time ASC, job_id ASC
`, args)
	return sql.CollectRows(rows, scanJob)
}

func (db *PGStore) CompareAndSetState(ctx context.Context, id resource.ID, expected, next State, fn func(*Job) error) (*Job, error) {
	var current *Job
	updated, err := sql.Updater(
		ctx,
		db.DB,
		func(ctx context.Context) (*Job, error) {
			rows := db.Query(ctx, `
SELECT job
FROM jobs
WHERE job_id = $1
FOR UPDATE
`, id.String())
			return sql.CollectOneRow(rows, scanJob)
		},
		func(ctx context.Context, job *Job) error {
			current = job.Clone()
			updated, err := job.transition(expected, next, fn)
			if err != nil {
				return err
			}
			*job = *updated
			return nil
		},
		func(ctx context.Context, job *Job) error {
			doc, err := json.Marshal(job)
			if err != nil {
				return err
			}
			_, err = db.Exec(ctx, `
UPDATE jobs
SET state     = @state,
    runner_id = @runner_id,
    job       = @job
WHERE job_id = @job_id
`, pgx.NamedArgs{
				"state":     job.State,
				"runner_id": nullID(job.RunnerID),
				"job":       doc,
				"job_id":    job.ID.String(),
			})
			return err
		},
	)
	if errors.Is(err, ErrStateMismatch) {
		return current, err
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (db *PGStore) Delete(ctx context.Context, id resource.ID) error {
	rows := db.Query(ctx, `
DELETE
FROM jobs
WHERE job_id = $1
AND state IN ('SUCCESS', 'ERROR')
RETURNING job_id
`, id.String())
	_, err := sql.CollectOneRow(rows, pgx.RowTo[string])
	if errors.Is(err, internal.ErrResourceNotFound) {
		// either the job does not exist or it is unfinished
		if _, err := db.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is unfinished", internal.ErrConflict, id)
	}
	return err
}

func scanJob(row pgx.CollectableRow) (*Job, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullID(id *resource.ID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
