package importer

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
)

// Registry holds the importers known to a process, by type
type Registry struct {
	jobs map[string]controller.Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]controller.Job)}
}

// Register adds jobs. Types must be unique.
func (r *Registry) Register(jobs ...controller.Job) error {
	for _, job := range jobs {
		if v, ok := job.(validator); ok {
			if err := v.validate(); err != nil {
				return err
			}
		}
		if _, dup := r.jobs[job.Type()]; dup {
			return errors.Newf("importer %q registered twice", job.Type())
		}
		r.jobs[job.Type()] = job
	}
	return nil
}

func (r *Registry) Get(runType string) (controller.Job, bool) {
	job, ok := r.jobs[runType]
	return job, ok
}

// Types returns the registered types, sorted
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Jobs returns every registered job, sorted by type
func (r *Registry) Jobs() []controller.Job {
	jobs := make([]controller.Job, 0, len(r.jobs))
	for _, t := range r.Types() {
		jobs = append(jobs, r.jobs[t])
	}
	return jobs
}

// Select returns the jobs of the given types, in the order given
func (r *Registry) Select(types ...string) ([]controller.Job, error) {
	jobs := make([]controller.Job, 0, len(types))
	for _, t := range types {
		job, ok := r.jobs[t]
		if !ok {
			return nil, errors.Newf("unknown importer %q (known: %s)", t, strings.Join(r.Types(), ", "))
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Validate checks that every dependency is registered, that no two importers
// write the same collection and that dependencies form no cycle.
func (r *Registry) Validate() error {
	owners := make(map[string]string)
	for _, t := range r.Types() {
		for _, dep := range r.jobs[t].Dependencies() {
			if _, ok := r.jobs[dep]; !ok {
				return errors.Newf("importer %s depends on unknown importer %s", t, dep)
			}
		}
		// reconcile and revert select rows by collection and marker only
		if c, ok := r.jobs[t].(collectionWriter); ok {
			if owner, taken := owners[c.collection()]; taken {
				return errors.Newf("importers %s and %s both write collection %s", owner, t, c.collection())
			}
			owners[c.collection()] = t
		}
	}
	_, err := r.Order()
	return err
}

// Order returns the registered jobs grouped in dependency levels
func (r *Registry) Order() ([][]controller.Job, error) {
	return controller.Levels(r.Jobs())
}
