package controller

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/sink"
)

// Levels groups jobs into dependency levels: every job comes after the jobs
// it depends on. Dependencies outside jobs are ignored here; the ledger deals
// with them at run time.
func Levels(jobs []Job) ([][]Job, error) {
	byType := make(map[string]Job, len(jobs))
	indegree := make(map[string]int, len(jobs))
	for _, job := range jobs {
		if _, dup := byType[job.Type()]; dup {
			return nil, errors.Newf("duplicate importer type %q", job.Type())
		}
		byType[job.Type()] = job
		indegree[job.Type()] = 0
	}

	dependents := make(map[string][]string)
	for _, job := range jobs {
		for _, dep := range job.Dependencies() {
			if _, ok := byType[dep]; !ok {
				continue
			}
			indegree[job.Type()]++
			dependents[dep] = append(dependents[dep], job.Type())
		}
	}

	var levels [][]Job
	var ready []string
	for t, n := range indegree {
		if n == 0 {
			ready = append(ready, t)
		}
	}

	placed := 0
	for len(ready) > 0 {
		slices.Sort(ready)
		level := make([]Job, 0, len(ready))
		var next []string
		for _, t := range ready {
			level = append(level, byType[t])
			for _, d := range dependents[t] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		levels = append(levels, level)
		placed += len(level)
		ready = next
	}

	if placed != len(jobs) {
		var cyclic []string
		for t, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, t)
			}
		}
		slices.Sort(cyclic)
		return nil, errors.Newf("dependency cycle among %s", strings.Join(cyclic, ", "))
	}

	return levels, nil
}

// RunAll runs jobs level by level. Jobs of one level run concurrently, at
// most MaxConcurrentRuns at a time. A failed job does not stop the others:
// its dependents see the failure through the ledger. Reports come back in
// execution order, with every run error combined into the returned error.
func (c *Controller) RunAll(ctx context.Context, jobs []Job, opts Options) ([]*Report, error) {
	levels, err := Levels(jobs)
	if err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(jobs))
	var runErrs error

	for _, level := range levels {
		if ctx.Err() != nil {
			return reports, errors.CombineErrors(runErrs, context.Cause(ctx))
		}

		levelReports := make([]*Report, len(level))
		levelErrs := make([]error, len(level))

		var g errgroup.Group
		if c.config.MaxConcurrentRuns > 0 {
			g.SetLimit(c.config.MaxConcurrentRuns)
		}
		for i, job := range level {
			i, job := i, job
			g.Go(func() error {
				levelReports[i], levelErrs[i] = c.Run(ctx, job, opts)
				return nil
			})
		}
		_ = g.Wait()

		reports = append(reports, levelReports...)
		for _, err := range levelErrs {
			if err != nil {
				runErrs = errors.CombineErrors(runErrs, err)
			}
		}
	}

	return reports, runErrs
}

// Recovered is one orphaned run handled by RecoverOrphans
type Recovered struct {
	Run          db.ImportRun
	Compensation sink.Compensation
	Err          error
}

// RecoverOrphans fails and compensates runs still pending after olderThan,
// left behind by a process that died mid-run. A zero olderThan uses
// Config.OrphanAfter. Runs whose type has no job in jobs are marked failed
// and reported with an error, their writes left in place.
func (c *Controller) RecoverOrphans(ctx context.Context, jobs []Job, olderThan time.Duration) ([]Recovered, error) {
	if olderThan <= 0 {
		olderThan = c.config.OrphanAfter
	}
	cutoff := db.MarkerAt(c.clock.Now().Add(-olderThan))

	runs, err := c.store.ListPendingImportRuns(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list pending runs")
	}

	byType := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		byType[job.Type()] = job
	}

	var recovered []Recovered
	for i := range runs {
		run := runs[i]
		h := c.newHandle(&run)

		msg := ErrOrphaned.Error()
		err := c.store.CompleteImportRun(ctx, run.ID, db.RunFailed, c.clock.Now(), &msg, run.SuccessCount, run.SkippedCount)
		if db.IsNotFound(err) {
			// finished in the meantime
			continue
		}
		if err != nil {
			return recovered, errors.Wrapf(err, "mark orphaned run %s failed", run.ID)
		}

		rec := Recovered{Run: run}
		job, ok := byType[run.Type]
		if !ok {
			rec.Err = errors.Newf("no importer registered for type %q", run.Type)
			h.Logger.Warn("orphaned run has no importer, writes left in place")
			recovered = append(recovered, rec)
			continue
		}

		rec.Compensation, rec.Err = job.Compensate(ctx, h)
		if rec.Err != nil {
			h.Logger.Error("failed to compensate orphaned run", "error", rec.Err)
		} else {
			h.Logger.Info("orphaned run recovered",
				"deleted", rec.Compensation.Deleted,
				"restored", rec.Compensation.Restored,
				"raw", rec.Compensation.Raw)
		}
		recovered = append(recovered, rec)
	}

	return recovered, nil
}
