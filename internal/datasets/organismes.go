package datasets

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/importer"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/reconcile"
	"github.com/livinlefevreloca/refimport/internal/source"
)

// Organisme is a document of the organismes collection
type Organisme struct {
	Siret          string   `json:"siret"`
	Denomination   string   `json:"denomination"`
	NDA            string   `json:"nda,omitempty"`
	Certifications []string `json:"certifications"`
}

// Organismes imports the training organism registry (JSON lines). Entries
// dropped from the registry are archived, not deleted: other systems keep
// referencing them.
func Organismes(opts Options) controller.Job {
	location := opts.source(TypeOrganismes).Location
	return importer.Documents(importer.DocumentSpec[json.RawMessage]{
		Type:   TypeOrganismes,
		Policy: reconcile.PolicyArchive,
		Probe:  opts.prober(TypeOrganismes),
		Open: func(ctx context.Context, _ *importer.RunContext) (pipeline.Cursor[json.RawMessage], error) {
			return source.OpenJSONLines(ctx, opts.Client, location)
		},
		Map:       mapOrganisme,
		BatchSize: opts.source(TypeOrganismes).BatchSize,
	})
}

func mapOrganisme(_ context.Context, _ *importer.RunContext, msg json.RawMessage) ([]db.Upsert, error) {
	var in struct {
		Siret          string   `json:"siret"`
		Denomination   string   `json:"denomination"`
		NDA            string   `json:"nda"`
		Certifications []string `json:"certifications"`
	}
	if err := json.Unmarshal(msg, &in); err != nil {
		return nil, errors.Wrap(err, "decode organisme")
	}

	siret := strings.ReplaceAll(strings.TrimSpace(in.Siret), " ", "")
	if siret == "" {
		return nil, pipeline.Skip("low quality")
	}
	if len(siret) != 14 || strings.Trim(siret, "0123456789") != "" {
		return nil, pipeline.Skip("invalid siret")
	}

	certs := make([]string, 0, len(in.Certifications))
	for _, c := range in.Certifications {
		if c = strings.TrimSpace(c); c != "" {
			certs = append(certs, c)
		}
	}

	return marshal(siret, Organisme{
		Siret:          siret,
		Denomination:   strings.TrimSpace(in.Denomination),
		NDA:            strings.TrimSpace(in.NDA),
		Certifications: certs,
	})
}
