package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/refimport/internal/controller"
	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/ledger"
)

type workspace struct {
	dir    string
	config string
	dbPath string
}

func newWorkspace(t *testing.T) *workspace {
	dir := t.TempDir()
	w := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "refimport.toml"),
		dbPath: filepath.Join(dir, "refimport.db"),
	}

	content := fmt.Sprintf(`
[database]
dsn = %q

[pipeline]
batch_size = 2
writers = 1

[logging]
level = "error"

[sources.communes]
location = %q

[sources.organismes]
location = %q
`, w.dbPath, filepath.Join(dir, "communes.csv"), filepath.Join(dir, "organismes.jsonl"))
	require.NoError(t, os.WriteFile(w.config, []byte(content), 0o644))

	return w
}

func (w *workspace) write(t *testing.T, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(w.dir, name), []byte(content), 0o644))
}

func (w *workspace) execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, out string) T {
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "refimport", cmd.Use)

	for _, name := range []string{"migrate", "importers", "run", "runs", "recover"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestMigrate(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute("migrate", "--format", "json")
	require.NoError(t, err)
	res := decode[map[string][]int](t, out)
	assert.Equal(t, []int{1, 2, 3, 4}, res["applied"])

	// idempotent
	out, err = w.execute("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "4 migrations applied")
}

func TestImporters(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute("importers", "--format", "json")
	require.NoError(t, err)

	views := decode[[]importerView](t, out)
	levels := map[string]int{}
	for _, v := range views {
		levels[v.Type] = v.Level
	}
	assert.Equal(t, map[string]int{
		"communes":     0,
		"idcc.raw":     0,
		"organismes":   0,
		"idcc":         1,
		"financements": 2,
	}, levels)

	out, err = w.execute("importers")
	require.NoError(t, err)
	assert.Contains(t, out, "DEPENDS ON")
	assert.Contains(t, out, "idcc.raw")
}

func TestRun_ThenUpToDate(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "communes.csv", "code_insee,nom\n01001,L'Abergement-Clémenciat\n01002,L'Abergement-de-Varey\n75056,Paris\n")

	out, err := w.execute("run", "communes", "--format", "json")
	require.NoError(t, err)
	reports := decode[[]reportView](t, out)
	require.Len(t, reports, 1)
	assert.Equal(t, db.RunDone, reports[0].Status)
	assert.EqualValues(t, 3, reports[0].Counters.Inserted)
	assert.NotEmpty(t, reports[0].RunID)
	runID := reports[0].RunID

	out, err = w.execute("run", "communes", "--format", "json")
	require.NoError(t, err)
	reports = decode[[]reportView](t, out)
	assert.Equal(t, controller.StatusSkipped, reports[0].Status)
	assert.Equal(t, ledger.ReasonUpToDate, reports[0].Reason)

	out, err = w.execute("runs", "list", "--format", "json")
	require.NoError(t, err)
	runs := decode[[]runView](t, out)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.EqualValues(t, 3, runs[0].Success)

	out, err = w.execute("runs", "show", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "communes.csv")
	assert.Contains(t, out, "STAGE")
}

func TestRun_AllWithoutSources(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute("run", "--all", "--format", "json")
	require.NoError(t, err)

	reports := decode[[]reportView](t, out)
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.Equal(t, controller.StatusSkipped, r.Status, r.Type)
	}
}

func TestRun_FailedRunExitCode(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "organismes.jsonl", "{\"siret\":\"12345678900012\"}\nnot json\n")

	out, err := w.execute("run", "organismes", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	reports := decode[[]reportView](t, out)
	require.Len(t, reports, 1)
	assert.Equal(t, db.RunFailed, reports[0].Status)
}

func TestRun_UsageErrors(t *testing.T) {
	w := newWorkspace(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no importer", []string{"run"}},
		{"types and all", []string{"run", "communes", "--all"}},
		{"unknown importer", []string{"run", "nope"}},
		{"bad format", []string{"importers", "--format", "yaml"}},
		{"bad limit", []string{"runs", "list", "--limit", "0"}},
		{"unknown run", []string{"runs", "show", "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.execute(tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "importers"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRecover(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.execute("migrate")
	require.NoError(t, err)

	store, err := db.Open("sqlite3", w.dbPath)
	require.NoError(t, err)
	orphan := &db.ImportRun{
		ID:        uuid.NewString(),
		Type:      "communes",
		StartedAt: db.MarkerAt(time.Now().Add(-7 * time.Hour)),
		Status:    db.RunPending,
	}
	require.NoError(t, store.CreateImportRun(context.Background(), orphan))
	require.NoError(t, store.Close())

	out, err := w.execute("recover", "--format", "json")
	require.NoError(t, err)
	recovered := decode[[]recoveredView](t, out)
	require.Len(t, recovered, 1)
	assert.Equal(t, orphan.ID, recovered[0].ID)
	assert.Empty(t, recovered[0].Problem)

	out, err = w.execute("runs", "show", orphan.ID, "--format", "json")
	require.NoError(t, err)
	run := decode[runView](t, out)
	assert.Equal(t, db.RunFailed, run.Status)
	assert.Equal(t, controller.ErrOrphaned.Error(), run.Error)

	// nothing left to recover
	out, err = w.execute("recover", "--format", "json")
	require.NoError(t, err)
	assert.Empty(t, decode[[]recoveredView](t, out))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad"))))
}
