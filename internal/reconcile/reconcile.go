package reconcile

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/db"
)

// Policy says what happens to documents the latest run did not touch
type Policy string

const (
	// PolicyDelete hard-deletes stale documents, for data without history
	PolicyDelete Policy = "delete"
	// PolicyArchive tombstones stale documents and keeps them queryable
	PolicyArchive Policy = "archive"
	// PolicyKeep leaves stale documents alone
	PolicyKeep Policy = "keep"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyDelete, PolicyArchive, PolicyKeep:
		return p, nil
	}
	return "", errors.Newf("unknown reconciliation policy %q (must be delete, archive or keep)", s)
}

// Result reports one reconciliation pass
type Result struct {
	Policy    Policy
	Deleted   int64
	Archived  int64
	RawPurged int64
}

// Reconciler removes or tombstones documents left behind by a successful run
type Reconciler struct {
	store  *db.DB
	logger *slog.Logger
}

func New(store *db.DB, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile applies policy to every document of collection whose updated_at
// differs from marker. It must only be called once the run owning marker is
// done. Staleness is recomputed from updated_at on every call, so a failed
// pass is repaired by the next one.
func (r *Reconciler) Reconcile(ctx context.Context, collection string, marker db.Marker, policy Policy) (Result, error) {
	res := Result{Policy: policy}
	if marker == 0 {
		return res, errors.New("reconcile needs the marker of a completed run")
	}

	var err error
	switch policy {
	case PolicyDelete:
		res.Deleted, err = r.store.DeleteStaleDocuments(ctx, collection, marker)
	case PolicyArchive:
		res.Archived, err = r.store.ArchiveStaleDocuments(ctx, collection, marker)
	case PolicyKeep:
	default:
		return res, errors.Newf("unknown reconciliation policy %q", policy)
	}
	if err != nil {
		return res, errors.Wrapf(err, "reconcile %s (%s)", collection, policy)
	}

	r.logger.Info("reconciled stale documents",
		"collection", collection,
		"policy", policy,
		"marker", marker,
		"deleted", res.Deleted,
		"archived", res.Archived)

	return res, nil
}

// PurgeRaw drops the raw records of every run of runType except keep, the
// marker of the run that just completed.
func (r *Reconciler) PurgeRaw(ctx context.Context, runType string, keep db.Marker) (int64, error) {
	n, err := r.store.PurgeRawRecords(ctx, runType, keep)
	if err != nil {
		return 0, errors.Wrapf(err, "purge superseded raw records of %s", runType)
	}

	if n > 0 {
		r.logger.Info("purged superseded raw records", "type", runType, "kept_marker", keep, "purged", n)
	}
	return n, nil
}
