package cli

import (
	"strconv"
	"time"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/stats"
)

type reportView struct {
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Marker   string         `json:"marker,omitempty"`
	Counters stats.Counters `json:"counters"`
	Deleted  int64          `json:"deleted"`
	Archived int64          `json:"archived"`
	Duration string         `json:"duration"`

	ReconcileError  string `json:"reconcile_error,omitempty"`
	CompensateError string `json:"compensate_error,omitempty"`
}

func newReportView(r *controller.Report) reportView {
	v := reportView{
		Type:     r.Type,
		Status:   r.Status,
		Reason:   r.Reason,
		RunID:    r.RunID,
		Counters: r.Counters,
		Deleted:  r.Reconciled.Deleted,
		Archived: r.Reconciled.Archived,
		Duration: r.Duration.Round(time.Millisecond).String(),
	}
	if v.Status == "" {
		// probe or ledger error before the run existed
		v.Status = "error"
	}
	if r.Marker != 0 {
		v.Marker = r.Marker.String()
	}
	if r.ReconcileErr != nil {
		v.ReconcileError = r.ReconcileErr.Error()
	}
	if r.CompensateErr != nil {
		v.CompensateError = r.CompensateErr.Error()
	}
	return v
}

func printReports(p *printer, reports []*controller.Report) error {
	views := make([]reportView, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			views = append(views, newReportView(r))
		}
	}
	if p.json() {
		return p.encode(views)
	}

	rows := make([][]string, len(views))
	for i, v := range views {
		rows[i] = []string{
			v.Type, v.Status, v.Reason,
			itoa(v.Counters.Read), itoa(v.Counters.Inserted), itoa(v.Counters.Updated), itoa(v.Counters.Skipped),
			itoa(v.Deleted), itoa(v.Archived), v.Duration,
		}
	}
	return p.table([]string{"TYPE", "STATUS", "REASON", "READ", "INSERTED", "UPDATED", "SKIPPED", "DELETED", "ARCHIVED", "DURATION"}, rows)
}

type runView struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Marker     string       `json:"marker"`
	StartedAt  time.Time    `json:"started_at"`
	Status     string       `json:"status"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty"`
	Success    int64        `json:"success"`
	Skipped    int64        `json:"skipped"`
	Snapshot   db.Snapshot  `json:"snapshot"`
	Resource   *db.Resource `json:"resource,omitempty"`
}

func newRunView(run db.ImportRun) runView {
	v := runView{
		ID:         run.ID,
		Type:       run.Type,
		Marker:     run.StartedAt.String(),
		StartedAt:  run.StartedAt.Time(),
		Status:     run.Status,
		FinishedAt: run.FinishedAt,
		Success:    run.SuccessCount,
		Skipped:    run.SkippedCount,
		Snapshot:   run.SourceSnapshot,
		Resource:   run.Resource,
	}
	if run.Error != nil {
		v.Error = *run.Error
	}
	return v
}

func runRows(runs []runView) [][]string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID, r.Type, r.Status,
			r.StartedAt.Format(time.RFC3339), itoa(r.Success), itoa(r.Skipped), r.Error,
		}
	}
	return rows
}

var runHeader = []string{"ID", "TYPE", "STATUS", "STARTED", "SUCCESS", "SKIPPED", "ERROR"}

type stageView struct {
	Stage          string   `json:"stage"`
	Processed      int64    `json:"processed"`
	MaxInboxDepth  *int     `json:"max_inbox_depth,omitempty"`
	AvgLatencyUsec *float64 `json:"avg_latency_usec,omitempty"`
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
