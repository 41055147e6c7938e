package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UpsertResult counts how a batch of upserts landed
type UpsertResult struct {
	Inserted int
	Updated  int
}

// DocumentError is the failure of one document inside a batch
type DocumentError struct {
	Key string
	Err error
}

func (e DocumentError) Error() string {
	return fmt.Sprintf("document %s: %v", e.Key, e.Err)
}

// BatchError lists the documents of a batch that could not be written. The
// other documents of the batch were committed.
type BatchError struct {
	Errors []DocumentError
}

func (e *BatchError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d documents failed, first: %v", len(e.Errors), e.Errors[0])
}

const upsertDocumentQuery = `
	INSERT INTO documents (collection, natural_key, id, payload, created_at, updated_at, archived_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT (collection, natural_key) DO UPDATE SET
		prev_payload = CASE WHEN documents.updated_at <> excluded.updated_at THEN documents.payload ELSE documents.prev_payload END,
		prev_updated_at = CASE WHEN documents.updated_at <> excluded.updated_at THEN documents.updated_at ELSE documents.prev_updated_at END,
		prev_archived_at = CASE WHEN documents.updated_at <> excluded.updated_at THEN documents.archived_at ELSE documents.prev_archived_at END,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		archived_at = NULL
	RETURNING id
`

// UpsertDocuments writes a batch of documents keyed by natural key. Each
// document runs in its own savepoint so that one failure does not discard its
// siblings; failures are returned as a *BatchError after the batch commits.
func (db *DB) UpsertDocuments(ctx context.Context, collection string, marker Marker, docs []Upsert) (UpsertResult, error) {
	var result UpsertResult
	var failed []DocumentError

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		for _, doc := range docs {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT doc"); err != nil {
				return err
			}

			// the conflict path keeps the stored id, so a fresh id comes back
			// only from an insert
			newID := uuid.NewString()
			var id string
			err := tx.QueryRowContext(ctx, upsertDocumentQuery,
				collection,
				doc.Key,
				newID,
				string(doc.Payload),
				marker,
				marker,
			).Scan(&id)

			if err != nil {
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT doc"); rbErr != nil {
					return rbErr
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed = append(failed, DocumentError{Key: doc.Key, Err: err})
				continue
			}

			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT doc"); err != nil {
				return err
			}

			if id == newID {
				result.Inserted++
			} else {
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	if len(failed) > 0 {
		return result, &BatchError{Errors: failed}
	}

	return result, nil
}

// RevertDocuments undoes the writes of a failed run: rows it created are
// deleted, rows it updated get their previous image back. Rows a later run
// touched since belong to that run and are left alone.
func (db *DB) RevertDocuments(ctx context.Context, collection string, marker Marker) (deleted, restored int64, err error) {
	err = db.WithTransaction(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND created_at = ? AND updated_at = ?`,
			collection, marker, marker)
		if err != nil {
			return err
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE documents SET
				payload = prev_payload,
				updated_at = prev_updated_at,
				archived_at = prev_archived_at,
				prev_payload = NULL,
				prev_updated_at = NULL,
				prev_archived_at = NULL
			WHERE collection = ? AND updated_at = ? AND prev_updated_at IS NOT NULL`,
			collection, marker)
		if err != nil {
			return err
		}
		restored, err = res.RowsAffected()
		return err
	})
	return deleted, restored, err
}

// DeleteStaleDocuments removes every document not touched by the run
func (db *DB) DeleteStaleDocuments(ctx context.Context, collection string, marker Marker) (int64, error) {
	query := `DELETE FROM documents WHERE collection = ? AND updated_at <> ?`

	res, err := db.ExecContext(ctx, db.Rebind(query), collection, marker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArchiveStaleDocuments tombstones current documents not touched by the run
func (db *DB) ArchiveStaleDocuments(ctx context.Context, collection string, marker Marker) (int64, error) {
	query := `
		UPDATE documents SET archived_at = ?
		WHERE collection = ? AND updated_at <> ? AND archived_at IS NULL
	`

	res, err := db.ExecContext(ctx, db.Rebind(query), marker, collection, marker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const documentColumns = `collection, natural_key, id, payload, created_at, updated_at, archived_at`

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc      Document
		payload  string
		archived sql.NullInt64
	)

	err := row.Scan(
		&doc.Collection,
		&doc.Key,
		&doc.ID,
		&payload,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&archived,
	)
	if err != nil {
		return nil, err
	}

	doc.Payload = json.RawMessage(payload)
	if archived.Valid {
		m := Marker(archived.Int64)
		doc.ArchivedAt = &m
	}

	return &doc, nil
}

// GetDocument retrieves a document by natural key
func (db *DB) GetDocument(ctx context.Context, collection, key string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND natural_key = ?`

	doc, err := scanDocument(db.QueryRowContext(ctx, db.Rebind(query), collection, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// ListDocuments pages through a collection in natural key order, starting
// after the given key. Archived documents are included only when asked.
func (db *DB) ListDocuments(ctx context.Context, collection, afterKey string, includeArchived bool, limit int) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = ? AND natural_key > ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY natural_key LIMIT ?`

	rows, err := db.QueryContext(ctx, db.Rebind(query), collection, afterKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return docs, nil
}

// CountDocuments counts the documents of a collection
func (db *DB) CountDocuments(ctx context.Context, collection string, includeArchived bool) (int64, error) {
	query := `SELECT COUNT(*) FROM documents WHERE collection = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}

	var n int64
	err := db.QueryRowContext(ctx, db.Rebind(query), collection).Scan(&n)
	return n, err
}
