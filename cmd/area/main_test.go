package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	out, err := run(t, "config-init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated default config")

	out, err = run(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestValidateReportsErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.json", `{"storage": {"kind": "postgres"}}`)

	out, err := run(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "error: version")
}

func TestStatusAndPollOnMemoryStorage(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", `
rules:
  - id: issue-to-tweet
    user: alice
    service: github
    trigger: new_issue
    reactions:
      - service: twitter
        reaction: post_tweet
        params:
          text: "{{.title}}"
`)
	cfg := writeFile(t, dir, "config.json", `{
		"version": "area/v1",
		"storage": {"kind": "memory", "rulesFile": "`+rules+`"}
	}`)

	out, err := run(t, "status", "--config", cfg, "--user", "alice", "--service", "github")
	require.NoError(t, err)
	assert.Equal(t, "not_connected\n", out)

	out, err = run(t, "poll", "--config", cfg, "--user", "alice", "--service", "github", "--trigger", "new_issue")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "not_connected", report["state"])

	_, err = run(t, "poll", "--config", cfg, "--user", "alice", "--service", "github", "--trigger", "nope")
	assert.Error(t, err)
}

func TestImportCursors(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.json", `{"version": "area/v1", "storage": {"kind": "memory"}}`)
	legacy := writeFile(t, dir, "processed.json", `{"alice": {"github/new_issue": "2024-01-02T03:04:05Z"}}`)

	out, err := run(t, "import-cursors", "--config", cfg, "--file", legacy)
	require.NoError(t, err)
	assert.Equal(t, "Imported 1 cursors\n", out)
}

func TestGenSecrets(t *testing.T) {
	out, err := run(t, "gen-secrets")
	require.NoError(t, err)
	assert.Regexp(t, `^AREA_ENCRYPTION_KEY=[A-Za-z0-9+/]{43}=\nAREA_API_TOKEN=[A-Za-z0-9_-]{43}\n$`, out)
}
