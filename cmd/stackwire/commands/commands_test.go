package commands

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

	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/manifest"
)

const shopFile = "../../../examples/shop/stackwire.cue"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "abc", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := runCLI(t, "validate", "-f", shopFile)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Composition shop is valid: 4 resources")
}

func TestValidateCommand_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`name: "bad"
resources: api: {kind: "process", depends_on: ["ghost"]}
`), 0o644))

	out, err := runCLI(t, "validate", "-f", path)
	require.Error(t, err)
	assert.Contains(t, out, "ghost")
}

func TestGraphCommand(t *testing.T) {
	out, err := runCLI(t, "graph", "-f", shopFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph StartupGraph {"))
	assert.Contains(t, out, `"api" -> "web"`)

	out, err = runCLI(t, "graph", "-f", shopFile, "--json")
	require.NoError(t, err)
	var startup engine.StartupGraph
	require.NoError(t, json.Unmarshal([]byte(out), &startup))
	assert.Len(t, startup.Nodes, 4)
	assert.Contains(t, startup.Nodes["dashboard"].Dependencies, "api")
}

func TestPublishCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	out, err := runCLI(t, "publish", "-f", shopFile, "-o", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote "+path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	m, err := manifest.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "shop", m.Name)
	assert.Len(t, m.Resources, 4)
}

func TestPublishCommand_Stdout(t *testing.T) {
	out, err := runCLI(t, "publish", "-f", shopFile, "-o", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "version: "+manifest.Version)
	assert.Contains(t, out, "{api.bindings.http.url}")
}

func TestRunCommand_Once(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.db")
	out, err := runCLI(t, "run", "-f", shopFile, "--once", "--metrics=false", "--journal", journal)
	require.NoError(t, err, out)
	assert.Contains(t, out, "succeeded")

	out, err = runCLI(t, "history", "--journal", journal, "--json")
	require.NoError(t, err, out)
	var runs []*engine.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 4, runs[0].Summary.Started)
}
