package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/pipeline"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one CSV record keyed by column name
type Row struct {
	// Line is the 1-based line the record starts on
	Line   int64
	Fields map[string]string
}

// Get returns the trimmed value of a column, empty when absent
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Fields[column])
}

// CSVOptions tune the CSV reader
type CSVOptions struct {
	// Comma is the field delimiter, ',' when zero
	Comma rune
	// Header names the columns. When empty the first record is the header.
	Header []string
	// Comment lines start with this rune, none when zero
	Comment rune
}

type csvCursor struct {
	src    io.Reader
	opts   CSVOptions
	reader *csv.Reader
	header []string
}

// CSV streams the records of r. A UTF-8 byte order mark is dropped and
// header names are trimmed. Records with a different number of fields than
// the header are errors. Close closes r when it is an io.Closer.
func CSV(r io.Reader, opts CSVOptions) pipeline.Cursor[Row] {
	return &csvCursor{src: r, opts: opts}
}

func (c *csvCursor) init() error {
	br := bufio.NewReader(c.src)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return err
		}
	}

	c.reader = csv.NewReader(br)
	c.reader.LazyQuotes = true
	c.reader.ReuseRecord = true
	if c.opts.Comma != 0 {
		c.reader.Comma = c.opts.Comma
	}
	if c.opts.Comment != 0 {
		c.reader.Comment = c.opts.Comment
	}

	header := c.opts.Header
	if len(header) == 0 {
		rec, err := c.reader.Read()
		if err == io.EOF {
			return io.EOF
		}
		if err != nil {
			return errors.Wrap(err, "read csv header")
		}
		header = rec
	}

	c.header = make([]string, len(header))
	for i, name := range header {
		c.header[i] = strings.TrimSpace(name)
	}
	c.reader.FieldsPerRecord = len(c.header)
	return nil
}

func (c *csvCursor) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	if c.reader == nil {
		if err := c.init(); err != nil {
			return Row{}, err
		}
	}

	rec, err := c.reader.Read()
	if err == io.EOF {
		return Row{}, io.EOF
	}
	if err != nil {
		return Row{}, errors.Wrap(err, "read csv record")
	}

	line, _ := c.reader.FieldPos(0)
	row := Row{Line: int64(line), Fields: make(map[string]string, len(c.header))}
	for i, name := range c.header {
		row.Fields[name] = rec[i]
	}
	return row, nil
}

func (c *csvCursor) Close() error {
	return closeReader(c.src)
}

func closeReader(r io.Reader) error {
	if closer, ok := r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
