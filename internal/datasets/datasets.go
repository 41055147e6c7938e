// Package datasets declares the reference-data importers: French communes,
// collective agreements (IDCC), training organisms and funding rates.
package datasets

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/importer"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/source"
)

// Importer types
const (
	TypeCommunes     = "communes"
	TypeIDCCRaw      = "idcc.raw"
	TypeIDCC         = "idcc"
	TypeOrganismes   = "organismes"
	TypeFinancements = "financements"
)

// Source locates the upstream file of one importer
type Source struct {
	Location  string
	BatchSize int
}

// Options carries what the importers need from the process
type Options struct {
	Client  *source.Client
	Sources map[string]Source
}

func (o Options) source(runType string) Source {
	return o.Sources[runType]
}

func (o Options) prober(runType string) importer.Prober {
	location := o.source(runType).Location
	return func(ctx context.Context) (*db.Resource, error) {
		return source.Probe(ctx, o.Client, location)
	}
}

func (o Options) csvOpener(runType string, opts source.CSVOptions) importer.Opener[source.Row] {
	location := o.source(runType).Location
	return func(ctx context.Context, rc *importer.RunContext) (pipeline.Cursor[source.Row], error) {
		return source.OpenCSV(ctx, o.Client, location, opts)
	}
}

// All returns every importer
func All(opts Options) []controller.Job {
	return []controller.Job{
		Communes(opts),
		IDCCRaw(opts),
		IDCC(opts),
		Organismes(opts),
		Financements(opts),
	}
}

// Register adds every importer to reg and checks the dependency graph
func Register(reg *importer.Registry, opts Options) error {
	if err := reg.Register(All(opts)...); err != nil {
		return err
	}
	return reg.Validate()
}

func marshal(key string, v any) ([]db.Upsert, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", key)
	}
	return []db.Upsert{{Key: key, Payload: payload}}, nil
}
