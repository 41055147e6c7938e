package stats

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/db"
)

// DatabaseWriter persists the stage summaries of a run
type DatabaseWriter interface {
	WriteStageStats(ctx context.Context, runID string, summaries []StageSummary) error
}

// DBAdapter adapts db.DB to the DatabaseWriter interface
type DBAdapter struct {
	db interface {
		CreateImportRunStats(ctx context.Context, stats *db.ImportRunStats) error
	}
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

func intPtr(i int) *int {
	return &i
}

func float64Ptr(f float64) *float64 {
	return &f
}

func int64Ptr(i int64) *int64 {
	return &i
}

// WriteStageStats implements DatabaseWriter for db.DB
func (a *DBAdapter) WriteStageStats(ctx context.Context, runID string, summaries []StageSummary) error {
	for _, s := range summaries {
		row := &db.ImportRunStats{
			RunID:     runID,
			Stage:     s.Stage,
			Processed: s.Processed,
		}
		if s.HasDepth {
			row.MinInboxDepth = intPtr(s.MinDepth)
			row.MaxInboxDepth = intPtr(s.MaxDepth)
			row.AvgInboxDepth = float64Ptr(s.AvgDepth)
		}
		if s.Processed > 0 {
			row.AvgLatencyUsec = float64Ptr(float64(s.AvgLatency.Microseconds()))
			row.MaxLatencyUsec = int64Ptr(s.MaxLatency.Microseconds())
		}

		if err := a.db.CreateImportRunStats(ctx, row); err != nil {
			return errors.Wrapf(err, "write stats for stage %s", s.Stage)
		}
	}
	return nil
}
