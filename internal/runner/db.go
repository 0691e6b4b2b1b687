package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/sql"
)

type pgStore struct {
	*sql.DB
}

// pgRunner is a row from the runners table.
type pgRunner struct {
	RunnerID  string
	Name      string
	Kind      string
	Profile   *string
	Labels    []byte
	Adoption  string
	Online    bool
	FirstSeen time.Time
	LastSeen  time.Time
}

func (db *pgStore) create(ctx context.Context, runner *Runner) error {
	labels, err := json.Marshal(runner.Labels)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"runner_id":  runner.ID.String(),
		"name":       runner.Name,
		"kind":       runner.Kind,
		"labels":     labels,
		"adoption":   runner.Adoption,
		"online":     runner.Online,
		"first_seen": runner.FirstSeen,
		"last_seen":  runner.LastSeen,
	}
	if runner.Profile != "" {
		args["profile"] = runner.Profile
	}
	_, err = db.Exec(ctx, `
INSERT INTO runners (
    runner_id,
    name,
    kind,
    profile,
    labels,
    adoption,
    online,
    first_seen,
    last_seen
) VALUES (
    @runner_id,
    @name,
    @kind,
    @profile,
    @labels,
    @adoption,
    @online,
    @first_seen,
    @last_seen
)`, args)
	return err
}

func (db *pgStore) get(ctx context.Context, id resource.ID) (*Runner, error) {
	rows := db.Query(ctx, `
SELECT runner_id, name, kind, profile, labels, adoption, online, first_seen, last_seen
FROM runners
WHERE runner_id = $1
`, id.String())
	return sql.CollectOneRow(rows, scanRunner)
}

func (db *pgStore) list(ctx context.Context) ([]*Runner, error) {
	rows := db.Query(ctx, `
SELECT runner_id, name, kind, profile, labels, adoption, online, first_seen, last_seen
FROM runners
ORDER BY runner_id ASC
`)
	return sql.CollectRows(rows, scanRunner)
}

func (db *pgStore) update(ctx context.Context, id resource.ID, fn func(*Runner) error) (*Runner, error) {
	return sql.Updater(
		ctx,
		db.DB,
		func(ctx context.Context) (*Runner, error) {
			rows := db.Query(ctx, `
SELECT runner_id, name, kind, profile, labels, adoption, online, first_seen, last_seen
FROM runners
WHERE runner_id = $1
FOR UPDATE
`, id.String())
			return sql.CollectOneRow(rows, scanRunner)
		},
		func(ctx context.Context, runner *Runner) error {
			return fn(runner)
		},
		func(ctx context.Context, runner *Runner) error {
			labels, err := json.Marshal(runner.Labels)
			if err != nil {
				return err
			}
			_, err = db.Exec(ctx, `
UPDATE runners
SET name      = @name,
    labels    = @labels,
    adoption  = @adoption,
    online    = @online,
    last_seen = @last_seen
WHERE runner_id = @runner_id
`, pgx.NamedArgs{
				"name":      runner.Name,
				"labels":    labels,
				"adoption":  runner.Adoption,
				"online":    runner.Online,
				"last_seen": runner.LastSeen,
				"runner_id": runner.ID.String(),
			})
			return err
		},
	)
}

func scanRunner(row pgx.CollectableRow) (*Runner, error) {
	model, err := pgx.RowToStructByPos[pgRunner](row)
	if err != nil {
		return nil, err
	}
	id, err := resource.ParseID(model.RunnerID)
	if err != nil {
		return nil, err
	}
	runner := &Runner{
		ID:        id,
		Name:      model.Name,
		Kind:      Kind(model.Kind),
		Adoption:  Adoption(model.Adoption),
		Online:    model.Online,
		FirstSeen: model.FirstSeen.UTC(),
		LastSeen:  model.LastSeen.UTC(),
	}
	if model.Profile != nil {
		runner.Profile = *model.Profile
	}
	if err := json.Unmarshal(model.Labels, &runner.Labels); err != nil {
		return nil, err
	}
	return runner, nil
}
