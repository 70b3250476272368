package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/litany/internal/models"
)

type result struct {
	stdout string
	stderr string
	code   int
}

// cliEnv isolates HOME and the working directory so no real config applies.
func cliEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("LITANY_DEBOUNCE_MS", "10")
	return filepath.Join(t.TempDir(), "data")
}

func runCLI(t *testing.T, dataDir, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--data-dir", dataDir, "--no-color"}, args...)
	code := run(context.Background(), full, strings.NewReader(stdin), &stdout, &stderr)
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func mustRun(t *testing.T, dataDir string, args ...string) string {
	t.Helper()
	res := runCLI(t, dataDir, "", args...)
	require.Equal(t, 0, res.code, "litany %v\nstderr: %s", args, res.stderr)
	return res.stdout
}

func decodeJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), "output: %s", s)
	return v
}

// =====================================================
// Record Commands
// =====================================================

func TestCLI_recordLifecycle(t *testing.T) {
	dir := cliEnv(t)

	created := decodeJSON[models.Record](t, mustRun(t, dir,
		"create", "-o", "json", "--title", "Doa pagi", "--category", "harian", "--tags", "pagi, zikir"))
	assert.Equal(t, []string{"pagi", "zikir"}, created.Tags)
	id := string(created.ID)

	mustRun(t, dir, "create", "--title", "Doa tidur", "--category", "malam", "--favorite")

	list := decodeJSON[[]models.Record](t, mustRun(t, dir, "list", "-o", "json", "--sort", "title", "--dir", "asc"))
	require.Len(t, list, 2)
	assert.Equal(t, "Doa pagi", list[0].Title)

	favs := decodeJSON[[]models.Record](t, mustRun(t, dir, "list", "-o", "json", "--favorite"))
	require.Len(t, favs, 1)
	assert.Equal(t, "Doa tidur", favs[0].Title)

	updated := decodeJSON[models.Record](t, mustRun(t, dir, "update", id, "-o", "json", "--latin", "Allahumma"))
	assert.Equal(t, "Allahumma", updated.Latin)
	assert.Equal(t, "Doa pagi", updated.Title, "unnamed fields are kept")
	assert.Greater(t, updated.UpdatedAt, created.UpdatedAt)

	text := mustRun(t, dir, "get", id)
	assert.Contains(t, text, "Allahumma")

	mustRun(t, dir, "delete", id)
	trash := decodeJSON[[]models.TrashEntry](t, mustRun(t, dir, "trash", "-o", "json"))
	require.Len(t, trash, 1)
	assert.Equal(t, created.ID, trash[0].ID)
	assert.Len(t, decodeJSON[[]models.Record](t, mustRun(t, dir, "list", "-o", "json")), 1)

	mustRun(t, dir, "restore", id)
	assert.Len(t, decodeJSON[[]models.Record](t, mustRun(t, dir, "list", "-o", "json")), 2)

	mustRun(t, dir, "delete", id)
	outcomes := decodeJSON[[]idOutcome](t, mustRun(t, dir, "purge", id, "-o", "json"))
	assert.True(t, outcomes[0].Changed)
	assert.Empty(t, decodeJSON[[]models.TrashEntry](t, mustRun(t, dir, "trash", "-o", "json")))

	again := decodeJSON[[]idOutcome](t, mustRun(t, dir, "restore", id, "-o", "json"))
	assert.False(t, again[0].Changed, "missing ids are a no-op")
}

func TestCLI_errors(t *testing.T) {
	dir := cliEnv(t)

	res := runCLI(t, dir, "", "get", "not-a-uuid")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "invalid UUID")

	res = runCLI(t, dir, "", "get", "00000000-0000-4000-8000-000000000999")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "not found")

	res = runCLI(t, dir, "", "create", "--title", "no category")
	assert.Equal(t, 1, res.code)

	res = runCLI(t, dir, "", "list", "-o", "xml")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "unknown output format")
}

func TestCLI_yamlOutput(t *testing.T) {
	dir := cliEnv(t)
	mustRun(t, dir, "create", "--title", "Doa pagi", "--category", "harian")

	out := mustRun(t, dir, "list", "-o", "yaml")
	assert.Contains(t, out, "title: Doa pagi")
	assert.Contains(t, out, "category: harian")
}

// =====================================================
// Exchange Commands
// =====================================================

func TestCLI_exportImport(t *testing.T) {
	src := cliEnv(t)
	mustRun(t, src, "create", "--title", "Doa pagi", "--category", "harian")
	mustRun(t, src, "prefs", "set", "tags", "remote")

	envelope := filepath.Join(t.TempDir(), "export.json")
	mustRun(t, src, "export", envelope)

	dst := filepath.Join(t.TempDir(), "other")
	mustRun(t, dst, "import", envelope, "--mode", "replace")

	records := decodeJSON[[]models.Record](t, mustRun(t, dst, "list", "-o", "json"))
	require.Len(t, records, 1)
	assert.Equal(t, "Doa pagi", records[0].Title)

	prefs := decodeJSON[map[string]string](t, mustRun(t, dst, "prefs", "-o", "json"))
	assert.Equal(t, "remote", prefs["tags"])
}

func TestCLI_importRejectsInvalidEnvelope(t *testing.T) {
	dir := cliEnv(t)
	envelope := `{"schemaVersion":1,"exportedAt":1,"trash":[],"preferences":{},
  "records":[{"id":"00000000-0000-4000-8000-000000000001","title":"","category":"c","createdAt":1,"updatedAt":1}]}`

	res := runCLI(t, dir, envelope, "import", "-")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "/records/0/title")
	assert.Empty(t, decodeJSON[[]models.Record](t, mustRun(t, dir, "list", "-o", "json")))

	res = runCLI(t, dir, envelope, "import", "-", "--skip-invalid")
	assert.Equal(t, 0, res.code, res.stderr)
}

func TestCLI_archive(t *testing.T) {
	dir := cliEnv(t)
	mustRun(t, dir, "create", "--title", "Doa pagi", "--category", "harian")

	mustRun(t, dir, "archive", "create")
	archives := decodeJSON[[]map[string]any](t, mustRun(t, dir, "archive", "list", "-o", "json"))
	require.Len(t, archives, 1)
	path, _ := archives[0]["path"].(string)
	assert.Equal(t, filepath.Join(dir, "exports"), filepath.Dir(path))

	other := filepath.Join(t.TempDir(), "restored")
	mustRun(t, other, "archive", "restore", path, "--mode", "replace")
	assert.Len(t, decodeJSON[[]models.Record](t, mustRun(t, other, "list", "-o", "json")), 1)
}

// =====================================================
// Conflict Commands
// =====================================================

func TestCLI_mergeAndResolve(t *testing.T) {
	dir := cliEnv(t)
	local := decodeJSON[models.Record](t, mustRun(t, dir,
		"create", "-o", "json", "--title", "Doa pagi", "--category", "harian", "--source", "HR Muslim", "--tags", "pagi"))

	remote := local.Clone()
	remote.Source = ""
	remote.Tags = []string{"pagi", "zikir"}
	remote.UpdatedAt = local.UpdatedAt + 24*60*60*1000
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	remotePath := filepath.Join(t.TempDir(), "remote.json")
	require.NoError(t, os.WriteFile(remotePath, data, 0o644))

	merge := decodeJSON[models.MergeResult](t, mustRun(t, dir, "merge", remotePath, "--apply", "-o", "json"))
	assert.False(t, merge.Success, "a removed value needs a person")
	assert.Equal(t, 1, merge.ManualRequiredCount)
	assert.Equal(t, []string{"pagi", "zikir"}, merge.MergedRecord.Tags)
	assert.Equal(t, "HR Muslim", merge.MergedRecord.Source, "manual fields keep local")
	assert.Equal(t, remote.UpdatedAt, merge.MergedRecord.UpdatedAt)

	open := decodeJSON[[]models.ConflictRecord](t, mustRun(t, dir, "conflicts", string(local.ID), "-o", "json"))
	require.Len(t, open, 1)
	assert.Equal(t, models.FieldSource, open[0].Field)
	assert.Equal(t, models.ConflictDeletion, open[0].ConflictType)

	mustRun(t, dir, "resolve", string(local.ID), open[0].ID, "--strategy", "remote", "--apply")

	got := decodeJSON[models.Record](t, mustRun(t, dir, "get", string(local.ID), "-o", "json"))
	assert.Empty(t, got.Source)
	assert.Equal(t, []string{"pagi", "zikir"}, got.Tags)
	assert.Greater(t, got.UpdatedAt, merge.MergedRecord.UpdatedAt, "applying a resolution is an update")

	assert.Empty(t, decodeJSON[[]models.ConflictRecord](t, mustRun(t, dir, "conflicts", "-o", "json")))
	all := decodeJSON[[]models.ConflictRecord](t, mustRun(t, dir, "conflicts", "--all", "-o", "json"))
	assert.Len(t, all, 3)

	report := decodeJSON[map[string]any](t, mustRun(t, dir, "report", "-o", "json"))
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 0, report["unresolved"])

	cleared := decodeJSON[map[string]int64](t, mustRun(t, dir, "clear-history", string(local.ID), "-o", "json"))
	assert.Equal(t, int64(3), cleared["removed"])
}

func TestCLI_resolveApplyKeepsRequiredFields(t *testing.T) {
	dir := cliEnv(t)
	local := decodeJSON[models.Record](t, mustRun(t, dir,
		"create", "-o", "json", "--title", "Doa", "--category", "harian"))

	remote := local.Clone()
	remote.Category = ""
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	merge := decodeJSON[models.MergeResult](t, runCLI(t, dir, string(data), "merge", "-", "-o", "json").stdout)
	require.Len(t, merge.Conflicts, 1)
	assert.Equal(t, models.ConflictDeletion, merge.Conflicts[0].ConflictType)

	res := runCLI(t, dir, "", "resolve", string(local.ID), merge.Conflicts[0].ID, "--strategy", "remote", "--apply")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "category cannot be empty")

	got := decodeJSON[models.Record](t, mustRun(t, dir, "get", string(local.ID), "-o", "json"))
	assert.Equal(t, "harian", got.Category)
	open := decodeJSON[[]models.ConflictRecord](t, mustRun(t, dir, "conflicts", string(local.ID), "-o", "json"))
	assert.Len(t, open, 1, "a rejected apply leaves the conflict open")
}

func TestCLI_resolveBatch(t *testing.T) {
	dir := cliEnv(t)
	local := decodeJSON[models.Record](t, mustRun(t, dir,
		"create", "-o", "json", "--title", "Doa", "--category", "harian", "--latin", "abc"))

	remote := local.Clone()
	remote.Latin = ""
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	merge := decodeJSON[models.MergeResult](t, runCLI(t, dir, string(data), "merge", "-", "-o", "json").stdout)
	require.Len(t, merge.Conflicts, 1)

	batch := []batchEntry{
		{RecordID: local.ID, ConflictID: merge.Conflicts[0].ID, Strategy: models.StrategyLocal, Value: json.RawMessage(`"abc"`)},
		{RecordID: local.ID, ConflictID: "missing", Strategy: models.StrategyLocal},
		{RecordID: local.ID, ConflictID: merge.Conflicts[0].ID, Strategy: "sideways"},
	}
	input, err := json.Marshal(batch)
	require.NoError(t, err)

	res := runCLI(t, dir, string(input), "resolve-batch", "-", "-o", "json")
	require.Equal(t, 0, res.code, res.stderr)
	out := decodeJSON[batchOutput](t, res.stdout)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	assert.Len(t, out.Errors, 2)
}

func TestCLI_prefs(t *testing.T) {
	dir := cliEnv(t)

	mustRun(t, dir, "prefs", "set", "latin", "LOCAL")
	prefs := decodeJSON[map[string]string](t, mustRun(t, dir, "prefs", "-o", "json"))
	assert.Equal(t, "local", prefs["latin"])

	mustRun(t, dir, "prefs", "clear", "latin")
	prefs = decodeJSON[map[string]string](t, mustRun(t, dir, "prefs", "-o", "json"))
	assert.Empty(t, prefs)

	res := runCLI(t, dir, "", "prefs", "set", "title", "local")
	assert.Equal(t, 1, res.code, "title is not a mergeable field")
}

func TestCLI_config(t *testing.T) {
	dir := cliEnv(t)
	t.Setenv("LITANY_TRASH_RETENTION_DAYS", "7")

	out := mustRun(t, dir, "config")
	assert.Contains(t, out, "trash_retention_days: 7")
	assert.Contains(t, out, "data_dir: "+dir)

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "config must not open the data directory")
}
