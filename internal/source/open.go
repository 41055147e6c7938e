package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
)

// IsRemote reports whether location is an http(s) URL
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

// Open returns a reader over location, an http(s) URL fetched with client or
// a local path. A missing file is marked pipeline.ErrSourceNotReady.
func Open(ctx context.Context, client *Client, location string) (io.ReadCloser, error) {
	if location == "" {
		return nil, errors.Mark(errors.New("no source location configured"), pipeline.ErrSourceNotReady)
	}
	if IsRemote(location) {
		if client == nil {
			return nil, errors.Newf("no http client to fetch %s", location)
		}
		return client.Open(ctx, location)
	}

	f, err := os.Open(localPath(location))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Mark(errors.Wrapf(err, "open %s", location), pipeline.ErrSourceNotReady)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", location)
	}
	return f, nil
}

// Probe describes the resource at location. Local files are versioned by
// modification time and size.
func Probe(ctx context.Context, client *Client, location string) (*db.Resource, error) {
	if location == "" {
		return nil, errors.Mark(errors.New("no source location configured"), pipeline.ErrSourceNotReady)
	}
	if IsRemote(location) {
		if client == nil {
			return nil, errors.Newf("no http client to probe %s", location)
		}
		return client.Probe(ctx, location)
	}

	p := localPath(location)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Mark(errors.Wrapf(err, "stat %s", location), pipeline.ErrSourceNotReady)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", location)
	}

	return &db.Resource{
		Title:   filepath.Base(p),
		URL:     location,
		Date:    info.ModTime().UTC(),
		Version: fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
	}, nil
}

// OpenCSV opens location and streams it as CSV
func OpenCSV(ctx context.Context, client *Client, location string, opts CSVOptions) (pipeline.Cursor[Row], error) {
	r, err := Open(ctx, client, location)
	if err != nil {
		return nil, err
	}
	return CSV(r, opts), nil
}

// OpenJSONLines opens location and streams it as JSON lines
func OpenJSONLines(ctx context.Context, client *Client, location string) (pipeline.Cursor[json.RawMessage], error) {
	r, err := Open(ctx, client, location)
	if err != nil {
		return nil, err
	}
	return JSONLines(r), nil
}
