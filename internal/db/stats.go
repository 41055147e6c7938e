package db

import "context"

// CreateImportRunStats stores the pipeline metrics of one stage of a run
func (db *DB) CreateImportRunStats(ctx context.Context, stats *ImportRunStats) error {
	query := `
		INSERT INTO import_run_stats (
			run_id, stage, processed,
			min_inbox_depth, max_inbox_depth, avg_inbox_depth,
			avg_latency_usec, max_latency_usec
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, db.Rebind(query),
		stats.RunID,
		stats.Stage,
		stats.Processed,
		stats.MinInboxDepth,
		stats.MaxInboxDepth,
		stats.AvgInboxDepth,
		stats.AvgLatencyUsec,
		stats.MaxLatencyUsec,
	)

	return err
}

// GetImportRunStats retrieves the stage metrics of a run
func (db *DB) GetImportRunStats(ctx context.Context, runID string) ([]ImportRunStats, error) {
	query := `
		SELECT run_id, stage, processed,
			min_inbox_depth, max_inbox_depth, avg_inbox_depth,
			avg_latency_usec, max_latency_usec
		FROM import_run_stats
		WHERE run_id = ?
		ORDER BY stage
	`

	rows, err := db.QueryContext(ctx, db.Rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []ImportRunStats{}
	for rows.Next() {
		var s ImportRunStats
		err := rows.Scan(
			&s.RunID,
			&s.Stage,
			&s.Processed,
			&s.MinInboxDepth,
			&s.MaxInboxDepth,
			&s.AvgInboxDepth,
			&s.AvgLatencyUsec,
			&s.MaxLatencyUsec,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	return result, rows.Err()
}
