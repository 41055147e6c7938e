package datasets

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/importer"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/reconcile"
	"github.com/livinlefevreloca/refimport/internal/source"
)

const knownIDCCKey = "idcc.codes"

// Financement is a document of the financements collection: the funding
// rate of one certification under one collective agreement.
type Financement struct {
	Certification string  `json:"certification"`
	IDCC          string  `json:"idcc"`
	Taux          float64 `json:"taux"`
}

// Financements imports the funding-rate file. A row lists several agreement
// codes and fans out to one document per (idcc, certification). Codes absent
// from the idcc collection are dropped; a malformed rate fails the run.
func Financements(opts Options) controller.Job {
	return importer.Documents(importer.DocumentSpec[source.Row]{
		Type:         TypeFinancements,
		Dependencies: []string{TypeIDCC},
		Policy:       reconcile.PolicyDelete,
		Probe:        opts.prober(TypeFinancements),
		Prepare:      loadKnownIDCC,
		Open:         opts.csvOpener(TypeFinancements, source.CSVOptions{}),
		Map:          mapFinancement,
		BatchSize:    opts.source(TypeFinancements).BatchSize,
	})
}

// loadKnownIDCC registers the set of active agreement codes
func loadKnownIDCC(ctx context.Context, rc *importer.RunContext) error {
	known := make(map[string]struct{})
	after := ""
	for {
		docs, err := rc.DB.ListDocuments(ctx, TypeIDCC, after, false, 1000)
		if err != nil {
			return errors.Wrap(err, "load known idcc codes")
		}
		for _, d := range docs {
			known[d.Key] = struct{}{}
		}
		if len(docs) < 1000 {
			break
		}
		after = docs[len(docs)-1].Key
	}

	rc.Logger.Debug("loaded known idcc codes", "count", len(known))
	return rc.Register(knownIDCCKey, known)
}

func mapFinancement(_ context.Context, rc *importer.RunContext, row source.Row) ([]db.Upsert, error) {
	cert := strings.ToUpper(row.Get("certification"))
	if cert == "" {
		return nil, pipeline.Skip("missing certification")
	}

	rawRate := row.Get("taux")
	taux, err := parseRate(rawRate)
	if err != nil {
		return nil, errors.Wrapf(err, "line %d", row.Line)
	}

	known, err := importer.Lookup[map[string]struct{}](rc, knownIDCCKey)
	if err != nil {
		return nil, err
	}

	var out []db.Upsert
	seen := make(map[string]bool)
	for _, raw := range splitCodes(row.Get("idcc")) {
		code, ok := normalizeIDCC(raw)
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		if _, ok := known[code]; !ok {
			continue
		}
		docs, err := marshal(code+":"+cert, Financement{Certification: cert, IDCC: code, Taux: taux})
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}

	if len(out) == 0 {
		return nil, pipeline.Skip("unknown idcc")
	}
	return out, nil
}

// splitCodes splits a list of agreement codes on '|', ';', ',' or spaces
func splitCodes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ';' || r == ',' || r == ' '
	})
}

// parseRate reads a percentage, with a decimal point or comma
func parseRate(s string) (float64, error) {
	v := strings.TrimSuffix(strings.TrimSpace(s), "%")
	v = strings.Replace(strings.TrimSpace(v), ",", ".", 1)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > 100 {
		return 0, errors.Newf("malformed rate %q", s)
	}
	return f, nil
}
