package source

import (
	"context"
	"io"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
)

type rawCursor struct {
	store    *db.DB
	runType  string
	marker   db.Marker
	pageSize int

	page  []db.RawRecord
	after int64
	done  bool
}

// RawRecords streams the raw records stored by the run of runType with the
// given marker, in position order, one page per query.
func RawRecords(store *db.DB, runType string, marker db.Marker, pageSize int) pipeline.Cursor[db.RawRecord] {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &rawCursor{store: store, runType: runType, marker: marker, pageSize: pageSize}
}

func (c *rawCursor) Next(ctx context.Context) (db.RawRecord, error) {
	if len(c.page) == 0 {
		if c.done {
			return db.RawRecord{}, io.EOF
		}
		page, err := c.store.ListRawRecords(ctx, c.runType, c.marker, c.after, c.pageSize)
		if err != nil {
			return db.RawRecord{}, err
		}
		if len(page) < c.pageSize {
			c.done = true
		}
		if len(page) == 0 {
			return db.RawRecord{}, io.EOF
		}
		c.page = page
		c.after = page[len(page)-1].Position
	}

	rec := c.page[0]
	c.page = c.page[1:]
	return rec, nil
}

func (c *rawCursor) Close() error {
	c.page = nil
	c.done = true
	return nil
}
