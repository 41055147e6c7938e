package pipeline

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Stage names, used in errors, logs and stats
const (
	StageRead      = "read"
	StageTransform = "transform"
	StageBatch     = "batch"
	StageWrite     = "write"
)

// ErrSkip marks errors that ask for the record to be skipped rather than
// failing the run.
var ErrSkip = errors.New("record skipped")

// ErrSourceNotReady marks an upstream that cannot be read yet (not
// published, not downloaded). A probe failing with it skips the run.
var ErrSourceNotReady = errors.New("source not ready")

type skipError struct {
	reason string
}

func (e *skipError) Error() string {
	return "skip: " + e.reason
}

// Skip is returned by a mapper to drop a record on purpose, e.g. an archived
// or low quality upstream entry. Skips are counted per reason.
func Skip(reason string) error {
	return errors.Mark(&skipError{reason: reason}, ErrSkip)
}

// SkipReason is the default skip classifier: it recognizes errors built with
// Skip, or marked with ErrSkip.
func SkipReason(err error) (string, bool) {
	var s *skipError
	if errors.As(err, &s) {
		return s.reason, true
	}
	if errors.Is(err, ErrSkip) {
		return err.Error(), true
	}
	return "", false
}

// StageError is a fatal failure of one stage. It keeps the offending record
// (transform) or batch sequence (write) and the identity of the run.
type StageError struct {
	Stage    string
	Position int64
	Record   any
	RunID    string
	Type     string
	Err      error
}

func (e *StageError) Error() string {
	unit := "record"
	if e.Stage == StageWrite {
		unit = "batch"
	}
	return fmt.Sprintf("%s stage failed at %s %d (run %s, type %s): %v",
		e.Stage, unit, e.Position, e.RunID, e.Type, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// AsStageError returns the StageError in err's chain, if any
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
