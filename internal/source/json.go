package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/pipeline"
)

const maxJSONLine = 16 << 20

type jsonLinesCursor struct {
	src     io.Reader
	scanner *bufio.Scanner
	line    int64
}

// JSONLines streams one JSON value per line. Blank lines are ignored; a line
// that is not valid JSON is an error naming the line.
func JSONLines(r io.Reader) pipeline.Cursor[json.RawMessage] {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLine)
	return &jsonLinesCursor{src: r, scanner: scanner}
}

func (c *jsonLinesCursor) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, errors.Wrapf(err, "read json line %d", c.line+1)
			}
			return nil, io.EOF
		}
		c.line++

		b := bytes.TrimSpace(c.scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, errors.Newf("line %d is not valid json", c.line)
		}
		// the scanner reuses its buffer
		return append(json.RawMessage(nil), b...), nil
	}
}

func (c *jsonLinesCursor) Close() error {
	return closeReader(c.src)
}

type jsonArrayCursor struct {
	src     io.Reader
	dec     *json.Decoder
	started bool
	done    bool
}

// JSONArray streams the elements of a top-level JSON array without loading
// the whole document.
func JSONArray(r io.Reader) pipeline.Cursor[json.RawMessage] {
	return &jsonArrayCursor{src: r, dec: json.NewDecoder(r)}
}

func (c *jsonArrayCursor) Next(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.done {
		return nil, io.EOF
	}

	if !c.started {
		tok, err := c.dec.Token()
		if err == io.EOF {
			c.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(err, "read json array")
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, errors.Newf("expected a json array, found %v", tok)
		}
		c.started = true
	}

	if !c.dec.More() {
		if _, err := c.dec.Token(); err != nil {
			return nil, errors.Wrap(err, "read end of json array")
		}
		c.done = true
		return nil, io.EOF
	}

	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "decode json array element at offset %d", c.dec.InputOffset())
	}
	return raw, nil
}

func (c *jsonArrayCursor) Close() error {
	return closeReader(c.src)
}
