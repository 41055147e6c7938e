package datasets

import (
	"context"
	"strings"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/importer"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/reconcile"
	"github.com/livinlefevreloca/refimport/internal/source"
)

// Commune is a document of the communes collection
type Commune struct {
	CodeInsee    string   `json:"code_insee"`
	Nom          string   `json:"nom"`
	Departement  string   `json:"departement,omitempty"`
	Region       string   `json:"region,omitempty"`
	CodesPostaux []string `json:"codes_postaux"`
}

// Communes imports the geography file, one row per commune keyed by INSEE
// code. Communes gone from the file are deleted.
func Communes(opts Options) controller.Job {
	return importer.Documents(importer.DocumentSpec[source.Row]{
		Type:      TypeCommunes,
		Policy:    reconcile.PolicyDelete,
		Probe:     opts.prober(TypeCommunes),
		Open:      opts.csvOpener(TypeCommunes, source.CSVOptions{}),
		Map:       mapCommune,
		BatchSize: opts.source(TypeCommunes).BatchSize,
	})
}

func mapCommune(_ context.Context, _ *importer.RunContext, row source.Row) ([]db.Upsert, error) {
	// Corsica uses 2A and 2B
	code := strings.ToUpper(row.Get("code_insee"))
	if code == "" {
		return nil, pipeline.Skip("missing code_insee")
	}
	if len(code) != 5 {
		return nil, pipeline.Skip("invalid code_insee")
	}

	c := Commune{
		CodeInsee:    code,
		Nom:          row.Get("nom"),
		Departement:  row.Get("code_departement"),
		Region:       row.Get("code_region"),
		CodesPostaux: strings.Fields(strings.ReplaceAll(row.Get("codes_postaux"), "|", " ")),
	}
	return marshal(code, c)
}
