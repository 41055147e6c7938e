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

// IDCC is a document of the idcc collection
type IDCC struct {
	Code  string `json:"idcc"`
	Titre string `json:"titre"`
}

// IDCCRaw stores the collective agreement file verbatim, one raw record of
// kind "idcc" per row.
func IDCCRaw(opts Options) controller.Job {
	return importer.Raw(importer.RawSpec[source.Row]{
		Type:  TypeIDCCRaw,
		Kind:  "idcc",
		Probe: opts.prober(TypeIDCCRaw),
		Open:  opts.csvOpener(TypeIDCCRaw, source.CSVOptions{}),
		Map: func(_ context.Context, _ *importer.RunContext, row source.Row) ([]db.RawRecord, error) {
			payload, err := json.Marshal(row.Fields)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", row.Line)
			}
			return []db.RawRecord{{Payload: payload}}, nil
		},
		BatchSize: opts.source(TypeIDCCRaw).BatchSize,
	})
}

// IDCC maps the raw records of the latest idcc.raw run to agreements keyed
// by their 4-digit code.
func IDCC(opts Options) controller.Job {
	return importer.Documents(importer.DocumentSpec[db.RawRecord]{
		Type:         TypeIDCC,
		Dependencies: []string{TypeIDCCRaw},
		Policy:       reconcile.PolicyDelete,
		Open: func(ctx context.Context, rc *importer.RunContext) (pipeline.Cursor[db.RawRecord], error) {
			marker, err := rc.UpstreamMarker(TypeIDCCRaw)
			if err != nil {
				return nil, err
			}
			return source.RawRecords(rc.DB, TypeIDCCRaw, marker, 1000), nil
		},
		Map:       mapIDCC,
		BatchSize: opts.source(TypeIDCC).BatchSize,
	})
}

func mapIDCC(_ context.Context, _ *importer.RunContext, rec db.RawRecord) ([]db.Upsert, error) {
	var fields map[string]string
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		return nil, errors.Wrapf(err, "raw record %d", rec.Position)
	}

	raw := strings.TrimSpace(fields["idcc"])
	if raw == "" {
		return nil, pipeline.Skip("missing idcc")
	}
	code, ok := normalizeIDCC(raw)
	if !ok {
		return nil, pipeline.Skip("invalid idcc")
	}

	return marshal(code, IDCC{Code: code, Titre: strings.TrimSpace(fields["titre"])})
}

// normalizeIDCC left-pads a numeric agreement code to 4 digits
func normalizeIDCC(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 4 {
		return "", false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return strings.Repeat("0", 4-len(raw)) + raw, true
}
