package controller

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/ledger"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/reconcile"
	"github.com/livinlefevreloca/refimport/internal/sink"
	"github.com/livinlefevreloca/refimport/internal/stats"
)

// StatusSkipped is the report status of a run that was not started
const StatusSkipped = "skipped"

// ReasonSourceNotReady is the skip reason when the probe finds no upstream
const ReasonSourceNotReady = "source not ready"

var (
	// ErrAborted is the cause of a run aborted without an explicit cause
	ErrAborted = errors.New("import run aborted")
	// ErrOrphaned is recorded on runs left pending by a dead process
	ErrOrphaned = errors.New("orphaned run recovered")
)

// Job is one importer as seen by the controller
type Job interface {
	Type() string
	Dependencies() []string
	// Probe describes the upstream resource, or returns nil when the job has
	// no resource of its own to check.
	Probe(ctx context.Context) (*db.Resource, error)
	Execute(ctx context.Context, h *Handle) (stats.Counters, error)
	// Compensate undoes the writes made under h.Marker
	Compensate(ctx context.Context, h *Handle) (sink.Compensation, error)
	// Reconcile runs once h's run is done
	Reconcile(ctx context.Context, h *Handle) (reconcile.Result, error)
}

// Clock supplies run markers
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config controls run execution
type Config struct {
	MaxConcurrentRuns int           `toml:"max_concurrent_runs"`
	OrphanAfter       time.Duration `toml:"orphan_after"`

	Pipeline pipeline.Config `toml:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns: 4,
		OrphanAfter:       6 * time.Hour,
		Pipeline:          pipeline.DefaultConfig(),
	}
}

// Options alter a single Run or RunAll call
type Options struct {
	// Force runs jobs whose sources did not change. Jobs with a missing
	// dependency are still skipped.
	Force bool
}

// Handle is what a job sees of its run
type Handle struct {
	RunID    string
	Type     string
	Marker   db.Marker
	Snapshot db.Snapshot

	DB       *db.DB
	Logger   *slog.Logger
	Recorder *stats.Recorder
	Pipeline pipeline.Config

	cancel context.CancelCauseFunc
}

// SetResource records the provenance of the data being imported
func (h *Handle) SetResource(ctx context.Context, resource *db.Resource) error {
	if err := h.DB.SetImportRunResource(ctx, h.RunID, resource); err != nil {
		return errors.Wrapf(err, "record resource of run %s", h.RunID)
	}
	return nil
}

// Abort stops the run. Execute's context is cancelled with cause, and the
// run fails and is compensated.
func (h *Handle) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	if h.cancel != nil {
		h.cancel(cause)
	}
}

// UpstreamMarker returns the marker of dependency dep this run was built
// against.
func (h *Handle) UpstreamMarker(dep string) (db.Marker, error) {
	v, ok := h.Snapshot[dep]
	if !ok {
		return 0, errors.Newf("%s is not a dependency of %s", dep, h.Type)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "snapshot entry %s=%q is not a marker", dep, v)
	}
	return db.Marker(n), nil
}

// Report is the outcome of one Run
type Report struct {
	RunID    string
	Type     string
	Marker   db.Marker
	Status   string
	Reason   string
	Decision ledger.Decision
	Counters stats.Counters

	Reconciled   reconcile.Result
	ReconcileErr error

	Compensation  sink.Compensation
	CompensateErr error

	Duration time.Duration
}

func (r *Report) Skipped() bool {
	return r.Status == StatusSkipped
}

// Controller drives import runs through their lifecycle and keeps the run
// ledger consistent with the data.
type Controller struct {
	store  *db.DB
	ledger *ledger.Ledger
	config Config
	logger *slog.Logger

	clock    Clock
	recorder *StateRecorder
}

func New(store *db.DB, config Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:  store,
		ledger: ledger.New(store),
		config: config,
		logger: logger,
		clock:  realClock{},
	}
}

// SetClock replaces the clock markers are drawn from
func (c *Controller) SetClock(clock Clock) {
	c.clock = clock
}

// machine tracks the lifecycle state of one run
type machine struct {
	state    State
	runID    string
	logger   *slog.Logger
	recorder *StateRecorder
}

// transitionTo performs a state transition and logs it
func (m *machine) transitionTo(newState State) {
	oldStateName := m.state.Name()
	m.state = newState

	if m.recorder != nil {
		m.recorder.Record(newState)
	}

	m.logger.Info("state transition",
		"from", oldStateName,
		"to", newState.Name(),
		"runID", m.runID)
}

func (m *machine) toFailed() {
	switch s := m.state.(type) {
	case *PendingState:
		m.transitionTo(s.ToFailed())
	case *RunningState:
		m.transitionTo(s.ToFailed())
	}
}

// Run checks whether job is due and, if so, executes it as a new import run.
// A skipped job returns a report with Status StatusSkipped and no error. A
// failed run is compensated and its error returned, wrapped with the run id.
func (c *Controller) Run(ctx context.Context, job Job, opts Options) (*Report, error) {
	runType := job.Type()
	report := &Report{Type: runType}
	logger := c.logger.With("type", runType)

	resource, err := job.Probe(ctx)
	if errors.Is(err, pipeline.ErrSourceNotReady) {
		logger.Info("import skipped", "reason", ReasonSourceNotReady, "error", err)
		report.Status, report.Reason = StatusSkipped, ReasonSourceNotReady
		return report, nil
	}
	if err != nil {
		return report, errors.Wrapf(err, "probe source of %s", runType)
	}

	decision, err := c.ledger.Evaluate(ctx, runType, job.Dependencies(), resource, opts.Force)
	if err != nil {
		return report, errors.Wrapf(err, "evaluate freshness of %s", runType)
	}
	report.Decision = decision
	report.Reason = decision.Reason

	if !decision.Due {
		report.Status = StatusSkipped
		logger.Info("import skipped",
			"reason", decision.Reason,
			"missing", decision.Missing)
		return report, nil
	}

	c.warnPending(ctx, logger, runType)

	run, err := c.createRun(ctx, runType, decision.Snapshot, resource)
	if err != nil {
		return report, err
	}
	report.RunID, report.Marker = run.ID, run.StartedAt

	logger.Info("import run started",
		"run_id", run.ID,
		"marker", run.StartedAt,
		"reason", decision.Reason,
		"changed", decision.Changed)

	return report, c.execute(ctx, job, run, report)
}

// createRun inserts the pending run row. Markers are strictly increasing per
// type, so a clock that did not move past the latest run is bumped.
func (c *Controller) createRun(ctx context.Context, runType string, snapshot db.Snapshot, resource *db.Resource) (*db.ImportRun, error) {
	marker := db.MarkerAt(c.clock.Now())

	latest, err := c.store.LatestImportRun(ctx, runType, "")
	if err != nil && !db.IsNotFound(err) {
		return nil, errors.Wrapf(err, "latest run of %s", runType)
	}
	if latest != nil && marker <= latest.StartedAt {
		marker = latest.StartedAt + 1
	}

	run := &db.ImportRun{
		ID:             uuid.NewString(),
		Type:           runType,
		StartedAt:      marker,
		Status:         db.RunPending,
		SourceSnapshot: snapshot,
		Resource:       resource,
	}

	// a concurrent run of the same type may have taken the marker
	for attempt := 0; ; attempt++ {
		err = c.store.CreateImportRun(ctx, run)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, db.ErrDuplicate) || attempt == 3 {
			return nil, errors.Wrapf(err, "create import run of %s", runType)
		}
		run.StartedAt++
	}
}

// warnPending logs when another run of runType is still pending. Runs of a
// type are not serialized: the newer marker wins at reconciliation.
func (c *Controller) warnPending(ctx context.Context, logger *slog.Logger, runType string) {
	pending, err := c.store.LatestImportRun(ctx, runType, db.RunPending)
	if err != nil {
		return
	}
	logger.Warn("another run of this type is pending",
		"pending_run_id", pending.ID,
		"pending_marker", pending.StartedAt)
}

func (c *Controller) newHandle(run *db.ImportRun) *Handle {
	return &Handle{
		RunID:    run.ID,
		Type:     run.Type,
		Marker:   run.StartedAt,
		Snapshot: run.SourceSnapshot,
		DB:       c.store,
		Logger:   c.logger.With("run_id", run.ID, "type", run.Type, "marker", run.StartedAt),
		Recorder: stats.NewRecorder(),
		Pipeline: c.config.Pipeline,
	}
}

func (c *Controller) execute(ctx context.Context, job Job, run *db.ImportRun, report *Report) error {
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	h := c.newHandle(run)
	m := &machine{
		state:    &PendingState{},
		runID:    run.ID,
		logger:   h.Logger,
		recorder: c.recorder,
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.cancel = cancel

	m.transitionTo(m.state.(*PendingState).ToRunning())

	counters, err := job.Execute(execCtx, h)
	report.Counters = counters

	if execCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		err = context.Cause(execCtx)
	}
	if err != nil {
		return c.fail(ctx, m, job, h, report, err)
	}

	return c.succeed(ctx, m, job, h, report)
}

func (c *Controller) succeed(ctx context.Context, m *machine, job Job, h *Handle, report *Report) error {
	counters := report.Counters

	err := c.store.CompleteImportRun(ctx, h.RunID, db.RunDone, c.clock.Now(), nil, counters.Success, counters.Skipped)
	if err != nil {
		return c.fail(ctx, m, job, h, report, errors.Wrap(err, "mark run done"))
	}
	m.transitionTo(m.state.(*RunningState).ToDone())
	report.Status = db.RunDone

	// the run stays done whatever happens from here on
	report.Reconciled, report.ReconcileErr = job.Reconcile(ctx, h)
	if report.ReconcileErr != nil {
		h.Logger.Error("reconciliation failed, stale documents left in place",
			"error", report.ReconcileErr)
	}

	c.persistStats(ctx, h)

	h.Logger.Info("import run done",
		"read", counters.Read,
		"success", counters.Success,
		"skipped", counters.Skipped,
		"inserted", counters.Inserted,
		"updated", counters.Updated,
		"batches", counters.Batches)

	return nil
}

// fail marks the run failed and compensates its writes. It runs on a context
// detached from cancellation: an interrupted run is cleaned up all the same.
func (c *Controller) fail(ctx context.Context, m *machine, job Job, h *Handle, report *Report, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	counters := report.Counters

	msg := runErr.Error()
	if err := c.store.CompleteImportRun(ctx, h.RunID, db.RunFailed, c.clock.Now(), &msg, counters.Success, counters.Skipped); err != nil {
		h.Logger.Error("failed to mark run failed", "error", err)
	}
	m.toFailed()
	report.Status = db.RunFailed

	report.Compensation, report.CompensateErr = job.Compensate(ctx, h)
	if report.CompensateErr != nil {
		h.Logger.Error("compensating delete failed", "error", report.CompensateErr)
		runErr = errors.CombineErrors(runErr, report.CompensateErr)
	}

	c.persistStats(ctx, h)

	h.Logger.Error("import run failed",
		"error", runErr,
		"read", counters.Read,
		"deleted", report.Compensation.Deleted,
		"restored", report.Compensation.Restored)

	return errors.Wrapf(runErr, "import run %s (%s)", h.RunID, h.Type)
}

func (c *Controller) persistStats(ctx context.Context, h *Handle) {
	summaries := h.Recorder.Summaries()
	if len(summaries) == 0 {
		return
	}
	if err := stats.NewDBAdapter(c.store).WriteStageStats(ctx, h.RunID, summaries); err != nil {
		h.Logger.Warn("failed to persist stage stats", "error", err)
	}
}
