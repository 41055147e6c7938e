package db

import (
	"context"
	"encoding/json"
)

// InsertRawRecords stores a batch of raw records under the run marker
func (db *DB) InsertRawRecords(ctx context.Context, runType string, marker Marker, records []RawRecord) error {
	return db.WithTransaction(ctx, func(tx *Tx) error {
		for _, rec := range records {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO raw_records (type, marker, position, kind, payload) VALUES (?, ?, ?, ?, ?)`,
				runType, marker, rec.Position, rec.Kind, string(rec.Payload))
			if err != nil {
				if IsDuplicate(err) {
					return ErrDuplicate
				}
				return err
			}
		}
		return nil
	})
}

// ListRawRecords pages through the raw records of one run in upstream order
func (db *DB) ListRawRecords(ctx context.Context, runType string, marker Marker, afterPosition int64, limit int) ([]RawRecord, error) {
	query := `
		SELECT position, kind, payload FROM raw_records
		WHERE type = ? AND marker = ? AND position > ?
		ORDER BY position
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), runType, marker, afterPosition, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []RawRecord{}
	for rows.Next() {
		var rec RawRecord
		var payload string
		if err := rows.Scan(&rec.Position, &rec.Kind, &payload); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// DeleteRawRecords removes the raw records written by one run
func (db *DB) DeleteRawRecords(ctx context.Context, runType string, marker Marker) (int64, error) {
	query := `DELETE FROM raw_records WHERE type = ? AND marker = ?`

	res, err := db.ExecContext(ctx, db.Rebind(query), runType, marker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeRawRecords removes the raw records of every run but the kept one
func (db *DB) PurgeRawRecords(ctx context.Context, runType string, keep Marker) (int64, error) {
	query := `DELETE FROM raw_records WHERE type = ? AND marker <> ?`

	res, err := db.ExecContext(ctx, db.Rebind(query), runType, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRawRecords counts the raw records of one run
func (db *DB) CountRawRecords(ctx context.Context, runType string, marker Marker) (int64, error) {
	query := `SELECT COUNT(*) FROM raw_records WHERE type = ? AND marker = ?`

	var n int64
	err := db.QueryRowContext(ctx, db.Rebind(query), runType, marker).Scan(&n)
	return n, err
}
