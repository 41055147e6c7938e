package importer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/controller"
)

// ErrReadOnly is returned by Register once the run context was frozen
var ErrReadOnly = errors.New("run context is read-only after prepare")

// RunContext is the run-scoped state handed to an importer's hooks. Lookup
// tables are registered during Prepare and only read afterwards, so mappers
// running on the transform goroutine share them without copies.
type RunContext struct {
	*controller.Handle

	mu     sync.RWMutex
	values map[string]any
	frozen bool
}

func newRunContext(h *controller.Handle) *RunContext {
	return &RunContext{Handle: h, values: make(map[string]any)}
}

// Register stores a named value for the rest of the run
func (rc *RunContext) Register(name string, value any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.frozen {
		return errors.Wrapf(ErrReadOnly, "register %q", name)
	}
	if _, ok := rc.values[name]; ok {
		return errors.Newf("%q already registered in run context", name)
	}
	rc.values[name] = value
	return nil
}

func (rc *RunContext) freeze() {
	rc.mu.Lock()
	rc.frozen = true
	rc.mu.Unlock()
}

// Lookup returns the value registered under name
func Lookup[T any](rc *RunContext, name string) (T, error) {
	var zero T

	rc.mu.RLock()
	v, ok := rc.values[name]
	rc.mu.RUnlock()

	if !ok {
		return zero, errors.Newf("%q not registered in run context of %s", name, rc.Type)
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Newf("%q in run context is a %T, not a %T", name, v, zero)
	}
	return t, nil
}
