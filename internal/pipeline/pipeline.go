package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/refimport/internal/inbox"
	"github.com/livinlefevreloca/refimport/internal/stats"
)

// Mapper turns one upstream record into zero or more write instructions.
// Returning Skip(reason) drops the record; any other error fails the run.
type Mapper[R, W any] func(ctx context.Context, rec R) ([]W, error)

// Sink applies one batch of write instructions. It reports Inserted and
// Updated; the pipeline counts batches itself.
type Sink[W any] interface {
	Write(ctx context.Context, batch []W) (stats.Counters, error)
}

// Spec wires one pipeline run
type Spec[R, W any] struct {
	RunID string
	Type  string

	Source Cursor[R]
	Map    Mapper[R, W]
	Sink   Sink[W]

	// Skippable classifies mapper errors as intentional skips. Defaults to
	// SkipReason.
	Skippable func(error) (reason string, ok bool)

	// BatchSize overrides Config.BatchSize when positive
	BatchSize int

	Logger   *slog.Logger
	Recorder *stats.Recorder
}

type positioned[R any] struct {
	pos int64
	rec R
}

type sequenced[W any] struct {
	seq   int64
	items []W
}

// runner holds the state of one Run. Each counter block is written by a
// single stage goroutine and read after the group is done.
type runner[R, W any] struct {
	spec      Spec[R, W]
	config    Config
	logger    *slog.Logger
	skippable func(error) (string, bool)
	recorder  *stats.Recorder

	records *inbox.Inbox[positioned[R]]
	writes  *inbox.Inbox[[]W]
	batches *inbox.Inbox[sequenced[W]]

	readCount   int64
	transformed stats.Counters

	writeMu sync.Mutex
	written stats.Counters
}

// Run streams spec.Source through the mapper, repacks the write instructions
// into batches and applies them with config.Writers concurrent sink calls:
//
//	reader -> transform -> batcher -> writer x N
//
// Stages are connected by bounded inboxes, so a slow sink throttles the
// reader. The first failing stage cancels the others and its error is
// returned; cancelling ctx stops the run with the context's cause. The
// counters gathered so far are returned in every case.
func Run[R, W any](ctx context.Context, config Config, spec Spec[R, W]) (stats.Counters, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Source != nil {
		defer func() {
			if err := spec.Source.Close(); err != nil {
				logger.Warn("failed to close source cursor", "error", err)
			}
		}()
	}

	if spec.BatchSize > 0 {
		config.BatchSize = spec.BatchSize
	}
	if err := ValidateConfig(config); err != nil {
		return stats.Counters{}, errors.Wrap(err, "invalid pipeline config")
	}
	if spec.Source == nil || spec.Map == nil || spec.Sink == nil {
		return stats.Counters{}, errors.New("pipeline needs a source, a mapper and a sink")
	}

	r := &runner[R, W]{
		spec:      spec,
		config:    config,
		logger:    logger,
		skippable: spec.Skippable,
		recorder:  spec.Recorder,
	}
	if r.skippable == nil {
		r.skippable = SkipReason
	}
	if r.recorder == nil {
		r.recorder = stats.NewRecorder()
	}

	r.records = inbox.New[positioned[R]](StageTransform, config.BufferSize, config.SendTimeout, r.logger)
	r.writes = inbox.New[[]W](StageBatch, config.BufferSize, config.SendTimeout, r.logger)
	r.batches = inbox.New[sequenced[W]](StageWrite, config.BufferSize, config.SendTimeout, r.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.read(gctx) })
	g.Go(func() error { return r.transform(gctx) })
	g.Go(func() error { return r.batch(gctx) })
	for i := 0; i < config.Writers; i++ {
		g.Go(func() error { return r.write(gctx) })
	}

	err := g.Wait()

	r.recordInboxes()
	counters := r.counters()

	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = context.Cause(ctx)
		}
		r.logger.Debug("pipeline stopped", "error", err, "read", counters.Read)
		return counters, err
	}

	r.logger.Debug("pipeline drained",
		"read", counters.Read,
		"success", counters.Success,
		"skipped", counters.Skipped,
		"batches", counters.Batches)

	return counters, nil
}

func (r *runner[R, W]) read(ctx context.Context) error {
	defer r.records.Close()

	acc := &stats.StageAccumulator{}
	defer r.recorder.Merge(StageRead, acc)

	for {
		start := time.Now()
		rec, err := r.spec.Source.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StageError{
				Stage:    StageRead,
				Position: r.readCount + 1,
				RunID:    r.spec.RunID,
				Type:     r.spec.Type,
				Err:      err,
			}
		}
		acc.Observe(time.Since(start))

		r.readCount++
		if err := r.records.Send(ctx, positioned[R]{pos: r.readCount, rec: rec}); err != nil {
			return err
		}
	}
}

func (r *runner[R, W]) transform(ctx context.Context) error {
	defer r.writes.Close()

	acc := &stats.StageAccumulator{}
	defer r.recorder.Merge(StageTransform, acc)

	for {
		item, ok, err := r.records.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		start := time.Now()
		out, err := r.spec.Map(ctx, item.rec)
		acc.Observe(time.Since(start))

		if err != nil {
			if reason, skip := r.skippable(err); skip {
				r.transformed.Skip(reason)
				r.logger.Debug("record skipped", "position", item.pos, "reason", reason)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StageError{
				Stage:    StageTransform,
				Position: item.pos,
				Record:   item.rec,
				RunID:    r.spec.RunID,
				Type:     r.spec.Type,
				Err:      err,
			}
		}

		r.transformed.Success++
		if len(out) == 0 {
			continue
		}
		if err := r.writes.Send(ctx, out); err != nil {
			return err
		}
	}
}

func (r *runner[R, W]) batch(ctx context.Context) error {
	defer r.batches.Close()

	acc := &stats.StageAccumulator{}
	defer r.recorder.Merge(StageBatch, acc)

	src := FlattenToBatches(fromInbox(r.writes), r.config.BatchSize)
	var seq int64
	for {
		start := time.Now()
		items, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		acc.Observe(time.Since(start))

		seq++
		if err := r.batches.Send(ctx, sequenced[W]{seq: seq, items: items}); err != nil {
			return err
		}
	}
}

func (r *runner[R, W]) write(ctx context.Context) error {
	acc := &stats.StageAccumulator{}
	defer r.recorder.Merge(StageWrite, acc)

	var local stats.Counters
	defer func() {
		r.writeMu.Lock()
		r.written.Add(local)
		r.writeMu.Unlock()
	}()

	for {
		b, ok, err := r.batches.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		start := time.Now()
		res, err := r.spec.Sink.Write(ctx, b.items)
		acc.Observe(time.Since(start))

		local.Inserted += res.Inserted
		local.Updated += res.Updated

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StageError{
				Stage:    StageWrite,
				Position: b.seq,
				RunID:    r.spec.RunID,
				Type:     r.spec.Type,
				Err:      err,
			}
		}
		local.Batches++
	}
}

func (r *runner[R, W]) recordInboxes() {
	for stage, s := range map[string]inbox.Stats{
		StageTransform: r.records.GetStats(),
		StageBatch:     r.writes.GetStats(),
		StageWrite:     r.batches.GetStats(),
	} {
		acc := &stats.StageAccumulator{}
		acc.ObserveInbox(s)
		r.recorder.Merge(stage, acc)
	}
}

func (r *runner[R, W]) counters() stats.Counters {
	c := r.transformed.Clone()
	c.Read = r.readCount

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	c.Inserted = r.written.Inserted
	c.Updated = r.written.Updated
	c.Batches = r.written.Batches
	return c
}
