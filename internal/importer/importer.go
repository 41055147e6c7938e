package importer

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/reconcile"
	"github.com/livinlefevreloca/refimport/internal/sink"
	"github.com/livinlefevreloca/refimport/internal/stats"
)

// Mapper turns one upstream record into write instructions. Return
// pipeline.Skip(reason) to drop the record.
type Mapper[R, W any] func(ctx context.Context, rc *RunContext, rec R) ([]W, error)

// Opener returns the cursor over a run's upstream records
type Opener[R any] func(ctx context.Context, rc *RunContext) (pipeline.Cursor[R], error)

// Prober describes the upstream resource for freshness checks
type Prober func(ctx context.Context) (*db.Resource, error)

// DocumentSpec declares an importer writing target documents
type DocumentSpec[R any] struct {
	Type         string
	Dependencies []string

	// Collection defaults to Type
	Collection string
	Policy     reconcile.Policy

	Probe Prober
	// Prepare builds run-scoped lookups before the first record is read
	Prepare func(ctx context.Context, rc *RunContext) error
	Open    Opener[R]
	Map     Mapper[R, db.Upsert]

	Skippable func(error) (string, bool)
	BatchSize int
}

// RawSpec declares an importer storing upstream records verbatim for a
// downstream importer to map.
type RawSpec[R any] struct {
	Type         string
	Dependencies []string

	// Kind tags records whose mapper left it empty
	Kind string

	Probe   Prober
	Prepare func(ctx context.Context, rc *RunContext) error
	Open    Opener[R]
	Map     Mapper[R, db.RawRecord]

	Skippable func(error) (string, bool)
	BatchSize int
}

// validator is implemented by the jobs built here; the registry checks them
type validator interface {
	validate() error
}

// collectionWriter is implemented by jobs that own a document collection
type collectionWriter interface {
	collection() string
}

type documentJob[R any] struct {
	spec DocumentSpec[R]
}

// Documents builds a controller job from spec
func Documents[R any](spec DocumentSpec[R]) controller.Job {
	if spec.Collection == "" {
		spec.Collection = spec.Type
	}
	if spec.Policy == "" {
		spec.Policy = reconcile.PolicyDelete
	}
	return &documentJob[R]{spec: spec}
}

func (j *documentJob[R]) validate() error {
	return validateCommon(j.spec.Type, j.spec.Open != nil, j.spec.Map != nil, j.spec.Dependencies)
}

func (j *documentJob[R]) Type() string           { return j.spec.Type }
func (j *documentJob[R]) Dependencies() []string { return j.spec.Dependencies }
func (j *documentJob[R]) collection() string     { return j.spec.Collection }

func (j *documentJob[R]) Probe(ctx context.Context) (*db.Resource, error) {
	return probe(ctx, j.spec.Probe)
}

func (j *documentJob[R]) Execute(ctx context.Context, h *controller.Handle) (stats.Counters, error) {
	rc, cur, err := open(ctx, h, j.spec.Prepare, j.spec.Open)
	if err != nil {
		return stats.Counters{}, err
	}

	return pipeline.Run(ctx, h.Pipeline, pipeline.Spec[R, db.Upsert]{
		RunID:  h.RunID,
		Type:   h.Type,
		Source: cur,
		Map: func(ctx context.Context, rec R) ([]db.Upsert, error) {
			return j.spec.Map(ctx, rc, rec)
		},
		Sink:      sink.NewDocumentSink(h.DB, j.spec.Collection, h.Marker, h.Logger),
		Skippable: j.spec.Skippable,
		BatchSize: j.spec.BatchSize,
		Logger:    h.Logger,
		Recorder:  h.Recorder,
	})
}

func (j *documentJob[R]) Compensate(ctx context.Context, h *controller.Handle) (sink.Compensation, error) {
	return sink.NewDocumentSink(h.DB, j.spec.Collection, h.Marker, h.Logger).Compensate(ctx, h.Type)
}

func (j *documentJob[R]) Reconcile(ctx context.Context, h *controller.Handle) (reconcile.Result, error) {
	return reconcile.New(h.DB, h.Logger).Reconcile(ctx, j.spec.Collection, h.Marker, j.spec.Policy)
}

type rawJob[R any] struct {
	spec RawSpec[R]
}

// Raw builds a controller job from spec
func Raw[R any](spec RawSpec[R]) controller.Job {
	return &rawJob[R]{spec: spec}
}

func (j *rawJob[R]) validate() error {
	return validateCommon(j.spec.Type, j.spec.Open != nil, j.spec.Map != nil, j.spec.Dependencies)
}

func (j *rawJob[R]) Type() string           { return j.spec.Type }
func (j *rawJob[R]) Dependencies() []string { return j.spec.Dependencies }

func (j *rawJob[R]) Probe(ctx context.Context) (*db.Resource, error) {
	return probe(ctx, j.spec.Probe)
}

func (j *rawJob[R]) Execute(ctx context.Context, h *controller.Handle) (stats.Counters, error) {
	rc, cur, err := open(ctx, h, j.spec.Prepare, j.spec.Open)
	if err != nil {
		return stats.Counters{}, err
	}

	// the transform stage is a single goroutine, so positions follow the
	// upstream order
	var position int64
	return pipeline.Run(ctx, h.Pipeline, pipeline.Spec[R, db.RawRecord]{
		RunID:  h.RunID,
		Type:   h.Type,
		Source: cur,
		Map: func(ctx context.Context, rec R) ([]db.RawRecord, error) {
			out, err := j.spec.Map(ctx, rc, rec)
			if err != nil {
				return nil, err
			}
			for i := range out {
				position++
				out[i].Position = position
				if out[i].Kind == "" {
					out[i].Kind = j.spec.Kind
				}
			}
			return out, nil
		},
		Sink:      sink.NewRawSink(h.DB, h.Type, h.Marker, h.Logger),
		Skippable: j.spec.Skippable,
		BatchSize: j.spec.BatchSize,
		Logger:    h.Logger,
		Recorder:  h.Recorder,
	})
}

func (j *rawJob[R]) Compensate(ctx context.Context, h *controller.Handle) (sink.Compensation, error) {
	return sink.NewRawSink(h.DB, h.Type, h.Marker, h.Logger).Compensate(ctx)
}

// Reconcile purges the raw records of superseded runs
func (j *rawJob[R]) Reconcile(ctx context.Context, h *controller.Handle) (reconcile.Result, error) {
	n, err := reconcile.New(h.DB, h.Logger).PurgeRaw(ctx, h.Type, h.Marker)
	return reconcile.Result{Policy: reconcile.PolicyKeep, RawPurged: n}, err
}

func probe(ctx context.Context, p Prober) (*db.Resource, error) {
	if p == nil {
		return nil, nil
	}
	return p(ctx)
}

// open prepares the run context, freezes it and opens the source
func open[R any](ctx context.Context, h *controller.Handle, prepare func(context.Context, *RunContext) error, opener Opener[R]) (*RunContext, pipeline.Cursor[R], error) {
	rc := newRunContext(h)

	if prepare != nil {
		if err := prepare(ctx, rc); err != nil {
			return nil, nil, errors.Wrapf(err, "prepare %s", h.Type)
		}
	}
	rc.freeze()

	cur, err := opener(ctx, rc)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open source of %s", h.Type)
	}
	return rc, cur, nil
}

func validateCommon(runType string, hasOpen, hasMap bool, deps []string) error {
	if runType == "" {
		return errors.New("importer has no type")
	}
	if !hasOpen {
		return errors.Newf("importer %s has no source opener", runType)
	}
	if !hasMap {
		return errors.Newf("importer %s has no mapper", runType)
	}
	for _, dep := range deps {
		if dep == runType {
			return errors.Newf("importer %s depends on itself", runType)
		}
	}
	return nil
}
