package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
	"github.com/livinlefevreloca/refimport/internal/testutil"
)

func TestCSV_HeaderAndBOM(t *testing.T) {
	input := "\xEF\xBB\xBFcode_insee; nom ;codes_postaux\n01001;L'Abergement-Clémenciat;01400\n01002;\"L'Abergement-de-Varey\";01640\n"
	rows, err := pipeline.Drain(context.Background(), CSV(strings.NewReader(input), CSVOptions{Comma: ';'}))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "01001", rows[0].Get("code_insee"))
	assert.Equal(t, "L'Abergement-Clémenciat", rows[0].Get("nom"))
	assert.EqualValues(t, 2, rows[0].Line)
	assert.Equal(t, "L'Abergement-de-Varey", rows[1].Get("nom"))
	assert.EqualValues(t, 3, rows[1].Line)
	assert.Empty(t, rows[1].Get("missing"))
}

func TestCSV_ExplicitHeader(t *testing.T) {
	c := CSV(strings.NewReader("0016,Transports routiers\n# comment\n0029,Hospitalisation privée\n"),
		CSVOptions{Header: []string{"idcc", "titre"}, Comment: '#'})
	rows, err := pipeline.Drain(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0016", rows[0].Get("idcc"))
	assert.Equal(t, "Hospitalisation privée", rows[1].Get("titre"))
}

func TestCSV_RaggedRecordIsAnError(t *testing.T) {
	c := CSV(strings.NewReader("a,b\n1,2\n3\n"), CSVOptions{})
	ctx := context.Background()

	_, err := c.Next(ctx)
	require.NoError(t, err)
	_, err = c.Next(ctx)
	assert.ErrorContains(t, err, "wrong number of fields")
}

func TestCSV_EmptyInput(t *testing.T) {
	_, err := CSV(strings.NewReader(""), CSVOptions{}).Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestCSV_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CSV(strings.NewReader("a\n1\n"), CSVOptions{}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONLines(t *testing.T) {
	input := `{"siret":"1"}

{"siret":"2"}
`
	msgs, err := pipeline.Drain(context.Background(), JSONLines(strings.NewReader(input)))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"siret":"2"}`, string(msgs[1]))

	_, err = pipeline.Drain(context.Background(), JSONLines(strings.NewReader("{}\n{oops\n")))
	assert.ErrorContains(t, err, "line 2 is not valid json")
}

func TestJSONArray(t *testing.T) {
	msgs, err := pipeline.Drain(context.Background(), JSONArray(strings.NewReader(` [ {"a":1}, 2, "x" ] `)))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0]))
	assert.Equal(t, `"x"`, string(msgs[2]))

	msgs, err = pipeline.Drain(context.Background(), JSONArray(strings.NewReader(`[]`)))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = pipeline.Drain(context.Background(), JSONArray(strings.NewReader(`{"a":1}`)))
	assert.ErrorContains(t, err, "expected a json array")
}

func testClient(t *testing.T) (*Client, *testutil.TestLogger) {
	logger := testutil.NewTestLogger()
	config := DefaultClientConfig()
	config.RetryBackoff = time.Millisecond
	config.RateLimit = 1000
	config.RateBurst = 10
	return NewClient(config, logger.Logger()), logger
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "refimport/1.0", r.UserAgent())
		io.WriteString(w, "a,b\n1,2\n")
	}))
	defer srv.Close()

	client, logger := testClient(t)
	body, err := client.Open(context.Background(), srv.URL+"/communes.csv")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, logger.FindEntries("retrying"), 2)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := testClient(t)
	_, err := client.Open(context.Background(), srv.URL)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.ErrorContains(t, err, "after 4 attempts")
	assert.EqualValues(t, 4, calls.Load())
}

func TestClient_NotFoundIsNotReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client, _ := testClient(t)
	_, err := client.Open(context.Background(), srv.URL+"/later.csv")
	assert.ErrorIs(t, err, pipeline.ErrSourceNotReady)
	assert.EqualValues(t, 1, calls.Load(), "4xx is not retried")

	_, err = client.Probe(context.Background(), srv.URL+"/later.csv")
	assert.ErrorIs(t, err, pipeline.ErrSourceNotReady)
}

func TestClient_Probe(t *testing.T) {
	modified := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	etag := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
	}))
	defer srv.Close()

	client, _ := testClient(t)
	res, err := client.Probe(context.Background(), srv.URL+"/data/idcc.csv")
	require.NoError(t, err)
	assert.Equal(t, "idcc.csv", res.Title)
	assert.Equal(t, modified, res.Date)
	assert.Equal(t, "2024-03-01T10:00:00Z", res.Version)

	etag = `"abc123"`
	res, err = client.Probe(context.Background(), srv.URL+"/data/idcc.csv")
	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, res.Version)
}

func TestClient_ProbeWithoutHEAD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	client, _ := testClient(t)
	res, err := client.Probe(context.Background(), srv.URL+"/x.json")
	require.NoError(t, err)
	assert.Empty(t, res.Version)
}

func TestOpenAndProbe_LocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "communes.csv")
	require.NoError(t, os.WriteFile(p, []byte("code_insee\n01001\n"), 0o644))
	ctx := context.Background()

	res, err := Probe(ctx, nil, p)
	require.NoError(t, err)
	assert.Equal(t, "communes.csv", res.Title)
	assert.NotEmpty(t, res.Version)

	cur, err := OpenCSV(ctx, nil, "file://"+p, CSVOptions{})
	require.NoError(t, err)
	rows, err := pipeline.Drain(ctx, cur)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "01001", rows[0].Get("code_insee"))

	require.NoError(t, os.WriteFile(p, []byte("code_insee\n01001\n01002\n"), 0o644))
	changed, err := Probe(ctx, nil, p)
	require.NoError(t, err)
	assert.NotEqual(t, res.Version, changed.Version, "size is part of the version")
}

func TestOpenAndProbe_NotReady(t *testing.T) {
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "nope.csv")

	_, err := Open(ctx, nil, missing)
	assert.ErrorIs(t, err, pipeline.ErrSourceNotReady)
	_, err = Probe(ctx, nil, missing)
	assert.ErrorIs(t, err, pipeline.ErrSourceNotReady)
	_, err = Probe(ctx, nil, "")
	assert.ErrorIs(t, err, pipeline.ErrSourceNotReady)

	_, err = Open(ctx, nil, "https://example.org/x.csv")
	assert.ErrorContains(t, err, "no http client")
}

func TestRawRecords_Pages(t *testing.T) {
	store := testutil.NewTestDB(t)
	ctx := context.Background()

	var recs []db.RawRecord
	for i := 1; i <= 7; i++ {
		recs = append(recs, db.RawRecord{Position: int64(i), Kind: "idcc", Payload: json.RawMessage(`{}`)})
	}
	require.NoError(t, store.InsertRawRecords(ctx, "idcc.raw", 100, recs))
	require.NoError(t, store.InsertRawRecords(ctx, "idcc.raw", 200, recs[:2]))

	got, err := pipeline.Drain(ctx, RawRecords(store, "idcc.raw", 100, 3))
	require.NoError(t, err)
	require.Len(t, got, 7)
	for i, r := range got {
		assert.EqualValues(t, i+1, r.Position)
	}

	got, err = pipeline.Drain(ctx, RawRecords(store, "idcc.raw", 300, 3))
	require.NoError(t, err)
	assert.Empty(t, got)
}
