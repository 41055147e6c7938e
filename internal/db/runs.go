package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const importRunColumns = `id, type, started_at, status, source_snapshot, resource, finished_at, error, success_count, skipped_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportRun(row rowScanner) (*ImportRun, error) {
	var (
		run        ImportRun
		snapshot   sql.NullString
		resource   sql.NullString
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.Type,
		&run.StartedAt,
		&run.Status,
		&snapshot,
		&resource,
		&finishedAt,
		&errMsg,
		&run.SuccessCount,
		&run.SkippedCount,
	)
	if err != nil {
		return nil, err
	}

	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &run.SourceSnapshot); err != nil {
			return nil, err
		}
	}
	if resource.Valid && resource.String != "" {
		run.Resource = &Resource{}
		if err := json.Unmarshal([]byte(resource.String), run.Resource); err != nil {
			return nil, err
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		s := errMsg.String
		run.Error = &s
	}

	return &run, nil
}

func marshalNullable(v any, valid bool) (sql.NullString, error) {
	if !valid {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateImportRun inserts a new import run record
func (db *DB) CreateImportRun(ctx context.Context, run *ImportRun) error {
	snapshot, err := marshalNullable(run.SourceSnapshot, run.SourceSnapshot != nil)
	if err != nil {
		return err
	}
	resource, err := marshalNullable(run.Resource, run.Resource != nil)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO import_runs (id, type, started_at, status, source_snapshot, resource, success_count, skipped_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, db.Rebind(query),
		run.ID,
		run.Type,
		run.StartedAt,
		run.Status,
		snapshot,
		resource,
		run.SuccessCount,
		run.SkippedCount,
	)
	if err != nil && IsDuplicate(err) {
		return ErrDuplicate
	}

	return err
}

// GetImportRun retrieves an import run by its ID
func (db *DB) GetImportRun(ctx context.Context, id string) (*ImportRun, error) {
	query := `SELECT ` + importRunColumns + ` FROM import_runs WHERE id = ?`

	run, err := scanImportRun(db.QueryRowContext(ctx, db.Rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// LatestImportRun returns the most recent run of a type. An empty status
// matches any status.
func (db *DB) LatestImportRun(ctx context.Context, runType, status string) (*ImportRun, error) {
	query := `SELECT ` + importRunColumns + ` FROM import_runs WHERE type = ?`
	args := []any{runType}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	run, err := scanImportRun(db.QueryRowContext(ctx, db.Rebind(query), args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// ListImportRuns retrieves runs, newest first. An empty type lists all types.
func (db *DB) ListImportRuns(ctx context.Context, runType string, limit int) ([]ImportRun, error) {
	query := `SELECT ` + importRunColumns + ` FROM import_runs`
	var args []any
	if runType != "" {
		query += ` WHERE type = ?`
		args = append(args, runType)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	return db.queryImportRuns(ctx, query, args...)
}

// ListPendingImportRuns returns pending runs started before the given marker
func (db *DB) ListPendingImportRuns(ctx context.Context, before Marker) ([]ImportRun, error) {
	query := `SELECT ` + importRunColumns + ` FROM import_runs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at`

	return db.queryImportRuns(ctx, query, RunPending, before)
}

func (db *DB) queryImportRuns(ctx context.Context, query string, args ...any) ([]ImportRun, error) {
	rows, err := db.QueryContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []ImportRun{}
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// SetImportRunResource records the provenance descriptor of a run
func (db *DB) SetImportRunResource(ctx context.Context, id string, resource *Resource) error {
	value, err := marshalNullable(resource, resource != nil)
	if err != nil {
		return err
	}

	query := `UPDATE import_runs SET resource = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, db.Rebind(query), value, id)
	if err != nil {
		return err
	}

	return expectAffected(result)
}

// CompleteImportRun moves a pending run to its terminal status. A run that
// already left pending is reported as not found.
func (db *DB) CompleteImportRun(ctx context.Context, id, status string, finishedAt time.Time, errorMsg *string, success, skipped int64) error {
	query := `
		UPDATE import_runs
		SET status = ?, finished_at = ?, error = ?, success_count = ?, skipped_count = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.ExecContext(ctx, db.Rebind(query),
		status,
		finishedAt.UTC(),
		errorMsg,
		success,
		skipped,
		id,
		RunPending,
	)
	if err != nil {
		return err
	}

	return expectAffected(result)
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
