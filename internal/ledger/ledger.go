package ledger

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/db"
)

// ResourceKey is the snapshot entry holding the upstream resource version
const ResourceKey = "resource"

// Decision reasons
const (
	ReasonMissingDependency = "missing dependency"
	ReasonForced            = "forced"
	ReasonNeverSucceeded    = "never succeeded"
	ReasonNoFreshnessSignal = "no freshness signal"
	ReasonSourceChanged     = "source changed"
	ReasonUpToDate          = "up to date"
)

// Decision is the outcome of a freshness check
type Decision struct {
	Due      bool
	Reason   string
	Snapshot db.Snapshot
	// Missing lists dependencies without a successful run
	Missing []string
	// Changed lists the snapshot entries that differ from the last success
	Changed []string
	// Last is the latest successful run of the type, nil if none
	Last *db.ImportRun
}

// Ledger answers freshness questions from the import run history
type Ledger struct {
	store *db.DB
}

func New(store *db.DB) *Ledger {
	return &Ledger{store: store}
}

// LatestSuccessful returns the most recent done run of runType, or nil when
// the type never completed.
func (l *Ledger) LatestSuccessful(ctx context.Context, runType string) (*db.ImportRun, error) {
	run, err := l.store.LatestImportRun(ctx, runType, db.RunDone)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "latest successful run of %s", runType)
	}
	return run, nil
}

// CurrentSnapshot maps each dependency to the marker of its latest done run,
// and the resource (if any) to its version. Dependencies that never completed
// are returned in missing and left out of the snapshot.
func (l *Ledger) CurrentSnapshot(ctx context.Context, dependencies []string, resource *db.Resource) (db.Snapshot, []string, error) {
	snapshot := db.Snapshot{}
	var missing []string

	for _, dep := range dependencies {
		run, err := l.LatestSuccessful(ctx, dep)
		if err != nil {
			return nil, nil, err
		}
		if run == nil {
			missing = append(missing, dep)
			continue
		}
		snapshot[dep] = run.StartedAt.String()
	}

	if resource != nil {
		snapshot[ResourceKey] = resource.Version
	}

	return snapshot, missing, nil
}

// IsDue reports whether current differs from the snapshot of the last
// successful run. Versions are compared for equality, so a source going back
// to an older version also triggers a run. An empty version is unknown and
// always counts as changed.
func IsDue(current, last db.Snapshot) bool {
	return len(changedEntries(current, last)) > 0
}

func changedEntries(current, last db.Snapshot) []string {
	var changed []string
	for name, version := range current {
		prev, ok := last[name]
		if version == "" || !ok || prev != version {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return changed
}

// Evaluate decides whether runType should run now. A missing dependency
// always skips, even when forced: upstream data is not ready yet.
func (l *Ledger) Evaluate(ctx context.Context, runType string, dependencies []string, resource *db.Resource, force bool) (Decision, error) {
	snapshot, missing, err := l.CurrentSnapshot(ctx, dependencies, resource)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Snapshot: snapshot, Missing: missing}
	if len(missing) > 0 {
		d.Reason = ReasonMissingDependency
		return d, nil
	}

	d.Last, err = l.LatestSuccessful(ctx, runType)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case force:
		d.Due, d.Reason = true, ReasonForced
	case d.Last == nil:
		d.Due, d.Reason = true, ReasonNeverSucceeded
	case len(snapshot) == 0:
		d.Due, d.Reason = true, ReasonNoFreshnessSignal
	default:
		d.Changed = changedEntries(snapshot, d.Last.SourceSnapshot)
		d.Due = len(d.Changed) > 0
		d.Reason = ReasonUpToDate
		if d.Due {
			d.Reason = ReasonSourceChanged
		}
	}

	return d, nil
}
