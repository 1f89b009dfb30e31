package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig points a container at a local blob store and a SQLite
// database under a temp dir, so state survives between invocations.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	cfg := fmt.Sprintf(`
container:
  id: cli-test
  database_id: records
  temp_dir: %[1]s/tmp
storage:
  backend: local
  local:
    root_dir: %[1]s/assets
database:
  engine: sqlite
  sqlite:
    path: %[1]s/records.db
logging:
  level: error
`, dir)
	path := filepath.Join(dir, "rfstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// resetFlags restores every flag of the tree to its default. Subcommands
// are package-level values, so parsed flags outlive one Execute call.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	resetFlags(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAssetCommands(t *testing.T) {
	configPath := writeTestConfig(t)
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out, err := run(t, configPath, "put", "docs/a.txt", src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "docs/a.txt "), out)

	out, err = run(t, configPath, "ls", "--delimiter", "/")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/")
	assert.NotContains(t, out, "docs/a.txt")

	out, err = run(t, configPath, "ls", "docs/")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/a.txt")

	out, err = run(t, configPath, "get", "--asset", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = run(t, configPath, "rm", "--asset", "docs/a.txt")
	require.NoError(t, err)
	_, err = run(t, configPath, "get", "--asset", "docs/a.txt")
	assert.Error(t, err)
}

func TestRecordCommandsAndExport(t *testing.T) {
	configPath := writeTestConfig(t)
	dump := filepath.Join(t.TempDir(), "records.jsonl")

	out, err := run(t, configPath, "put", "n1", "--type", "Note", "--field", "title=groceries", "--field", "pinned=true")
	require.NoError(t, err)
	assert.Contains(t, out, `"groceries"`)

	out, err = run(t, configPath, "ls", "--type", "Note")
	require.NoError(t, err)
	assert.Contains(t, out, "n1")

	_, err = run(t, configPath, "export", "-o", dump)
	require.NoError(t, err)

	_, err = run(t, configPath, "rm", "n1")
	require.NoError(t, err)
	_, err = run(t, configPath, "get", "n1")
	require.Error(t, err)

	out, err = run(t, configPath, "import", dump)
	require.NoError(t, err)
	assert.Contains(t, out, "Note: 1 imported")

	out, err = run(t, configPath, "get", "n1")
	require.NoError(t, err)
	assert.Contains(t, out, `"pinned": true`)
}

func TestListFilters(t *testing.T) {
	configPath := writeTestConfig(t)
	for _, args := range [][]string{
		{"put", "n1", "--type", "Note", "--field", "pinned=true", "--field", "color=red"},
		{"put", "n2", "--type", "Note", "--field", "pinned=false"},
		{"put", "n3", "--type", "Note", "--field", "pinned=true", "--field", "archived=true"},
	} {
		_, err := run(t, configPath, args...)
		require.NoError(t, err)
	}

	out, err := run(t, configPath, "ls", "--type", "Note", "--where", "pinned=true", "--exclude", "archived=true")
	require.NoError(t, err)
	assert.Contains(t, out, "n1")
	assert.NotContains(t, out, "n2")
	assert.NotContains(t, out, "n3")

	out, err = run(t, configPath, "ls", "--type", "Note", "--has", "color")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "Note"))

	_, err = run(t, configPath, "ls", "--where", "pinned=true")
	assert.ErrorContains(t, err, "need --type")
}

func TestListCursor(t *testing.T) {
	configPath := writeTestConfig(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := run(t, configPath, "put", id, "--type", "Note")
		require.NoError(t, err)
	}

	out, err := run(t, configPath, "ls", "--type", "Note", "--limit", "2")
	require.NoError(t, err)
	_, token, found := strings.Cut(strings.TrimSpace(out), "--cursor ")
	require.True(t, found, out)

	out, err = run(t, configPath, "ls", "--cursor", token)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "Note"), out)
}

func TestPutRejectsReservedField(t *testing.T) {
	configPath := writeTestConfig(t)
	_, err := run(t, configPath, "put", "n1", "--type", "Note", "--field", "RecordID=x")
	assert.ErrorContains(t, err, "reserved")
}

func TestPutRejectsDottedAttachmentNames(t *testing.T) {
	configPath := writeTestConfig(t)
	photo := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"record ID", []string{"put", "note.1", "--type", "Note", "--attach", "photo=" + photo}, "record ID"},
		{"record type", []string{"put", "n1", "--type", "v1.Note", "--attach", "photo=" + photo}, "record type"},
		{"asset key", []string{"put", "n1", "--type", "Note", "--attach", "photo.jpg=" + photo}, "asset key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = run(t, configPath, tt.args...) })
			assert.ErrorContains(t, err, tt.want)
		})
	}

	out, err := run(t, configPath, "put", "note.1", "--type", "Note", "--field", "title=plain")
	require.NoError(t, err, "records without attachments may use dotted IDs")
	assert.Contains(t, out, "note.1")
}

func TestNotificationCommand(t *testing.T) {
	configPath := writeTestConfig(t)
	payload := `{"aps":{"alert":"{\"Records\":[` +
		`{\"eventName\":\"ObjectCreated:Put\",\"eventTime\":\"2024-05-02T10:16:00Z\",\"s3\":{\"bucket\":{\"name\":\"cli-test\"},\"object\":{\"key\":\"docs/a.txt\",\"sequencer\":\"0A\"}}},` +
		`{\"eventName\":\"ObjectRemoved:Delete\",\"eventTime\":\"2024-05-02T10:17:00Z\",\"s3\":{\"bucket\":{\"name\":\"cli-test\"},\"object\":{\"key\":\"docs/a.txt\",\"sequencer\":\"0B\"}}}` +
		`]}"}}`
	input := filepath.Join(t.TempDir(), "payloads.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(payload+"\n"), 0o644))

	out, err := run(t, configPath, "notification", input)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "docs/a.txt"))

	out, err = run(t, configPath, "notification", input, "--latest")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "docs/a.txt"))
	assert.Contains(t, out, "removed")
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "nope", "rfstore.yaml"), "ls")
	assert.ErrorContains(t, err, "failed to load config")
}
