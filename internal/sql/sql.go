/*
Package sql implements persistent storage using the postgres database.
*/
package sql

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/leg100/jobq/internal"
)

// CollectOneRow collects exactly one row, converting a missing row into
// internal.ErrResourceNotFound.
func CollectOneRow[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) (T, error) {
	t, err := pgx.CollectOneRow(rows, fn)
	if err != nil {
		return t, toError(err)
	}
	return t, nil
}

// CollectRows collects all rows.
func CollectRows[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) ([]T, error) {
	t, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, toError(err)
	}
	return t, nil
}

// Updater retrieves a row within a transaction, applies fn to it, and then
// persists the result. The getter is expected to lock the row (SELECT ... FOR
// UPDATE) so that concurrent updaters are serialized.
func Updater[T any](
	ctx context.Context,
	db *DB,
	getForUpdate func(context.Context) (T, error),
	fn func(context.Context, T) error,
	update func(context.Context, T) error,
) (T, error) {
	var row T
	err := db.Tx(ctx, func(ctx context.Context) error {
		var err error
		row, err = getForUpdate(ctx)
		if err != nil {
			return err
		}
		if err := fn(ctx, row); err != nil {
			return err
		}
		return update(ctx, row)
	})
	return row, err
}

func toError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return internal.ErrResourceNotFound
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "23505": // unique violation
			return internal.ErrResourceAlreadyExists
		}
		return err
	default:
		return err
	}
}
