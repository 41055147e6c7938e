package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/stats"
)

// BulkWriteError lists the documents of a batch the store rejected. The rest
// of the batch was written.
type BulkWriteError struct {
	Collection string
	Failures   []db.DocumentError
}

func (e *BulkWriteError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("bulk write to %s: %v", e.Collection, e.Failures[0])
	}
	return fmt.Sprintf("bulk write to %s: %d documents rejected, first: %v",
		e.Collection, len(e.Failures), e.Failures[0])
}

// Compensation reports what a compensating delete undid
type Compensation struct {
	Deleted  int64
	Restored int64
	Raw      int64
}

// DocumentSink upserts target documents of one collection under a run marker
type DocumentSink struct {
	store      *db.DB
	collection string
	marker     db.Marker
	logger     *slog.Logger
}

// NewDocumentSink creates a sink writing to collection with the given marker
func NewDocumentSink(store *db.DB, collection string, marker db.Marker, logger *slog.Logger) *DocumentSink {
	return &DocumentSink{
		store:      store,
		collection: collection,
		marker:     marker,
		logger:     logger,
	}
}

// Write applies the batch unordered: every document is attempted, and the
// rejected ones come back together as a *BulkWriteError.
func (s *DocumentSink) Write(ctx context.Context, batch []db.Upsert) (stats.Counters, error) {
	res, err := s.store.UpsertDocuments(ctx, s.collection, s.marker, batch)
	counters := stats.Counters{
		Inserted: int64(res.Inserted),
		Updated:  int64(res.Updated),
	}

	var batchErr *db.BatchError
	if errors.As(err, &batchErr) {
		s.logger.Error("documents rejected by store",
			"collection", s.collection,
			"rejected", len(batchErr.Errors),
			"batch_size", len(batch))
		return counters, &BulkWriteError{Collection: s.collection, Failures: batchErr.Errors}
	}
	if err != nil {
		return counters, errors.Wrapf(err, "upsert batch into %s", s.collection)
	}

	s.logger.Debug("batch written",
		"collection", s.collection,
		"inserted", res.Inserted,
		"updated", res.Updated)

	return counters, nil
}

// Compensate undoes everything written under the sink's marker: documents
// the run created are deleted, documents it updated get their previous image
// back, and raw records it stored under runType are removed.
func (s *DocumentSink) Compensate(ctx context.Context, runType string) (Compensation, error) {
	var c Compensation

	deleted, restored, err := s.store.RevertDocuments(ctx, s.collection, s.marker)
	if err != nil {
		return c, errors.Wrapf(err, "revert documents of %s", s.collection)
	}
	c.Deleted, c.Restored = deleted, restored

	raw, err := s.store.DeleteRawRecords(ctx, runType, s.marker)
	if err != nil {
		return c, errors.Wrapf(err, "delete raw records of %s", runType)
	}
	c.Raw = raw

	s.logger.Info("compensating delete done",
		"collection", s.collection,
		"marker", s.marker,
		"deleted", c.Deleted,
		"restored", c.Restored,
		"raw", c.Raw)

	return c, nil
}

// RawSink stores upstream records verbatim under a run marker
type RawSink struct {
	store   *db.DB
	runType string
	marker  db.Marker
	logger  *slog.Logger
}

// NewRawSink creates a sink storing raw records of runType
func NewRawSink(store *db.DB, runType string, marker db.Marker, logger *slog.Logger) *RawSink {
	return &RawSink{
		store:   store,
		runType: runType,
		marker:  marker,
		logger:  logger,
	}
}

// Write inserts the batch in one transaction
func (s *RawSink) Write(ctx context.Context, batch []db.RawRecord) (stats.Counters, error) {
	if err := s.store.InsertRawRecords(ctx, s.runType, s.marker, batch); err != nil {
		return stats.Counters{}, errors.Wrapf(err, "insert raw records of %s", s.runType)
	}
	return stats.Counters{Inserted: int64(len(batch))}, nil
}

// Compensate removes the raw records written under the sink's marker
func (s *RawSink) Compensate(ctx context.Context) (Compensation, error) {
	n, err := s.store.DeleteRawRecords(ctx, s.runType, s.marker)
	if err != nil {
		return Compensation{}, errors.Wrapf(err, "delete raw records of %s", s.runType)
	}

	s.logger.Info("compensating delete done",
		"type", s.runType,
		"marker", s.marker,
		"raw", n)

	return Compensation{Raw: n}, nil
}
