package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToolFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoader_LoadValid(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, "git.json", `{
		"name": "git",
		"command": "git",
		"description": "git vcs",
		"options": [{"name": "path", "type": "string", "format": "path"}],
		"subcommand": [{"name": "status", "options": []}]
	}`)

	l := NewLoader(dir, nil)
	require.NoError(t, l.Load(context.Background()))

	tools := l.Tools()
	require.Contains(t, tools, "git")
	assert.True(t, tools["git"].IsEnabled())
	chain, err := tools["git"].FindSubcommand([]string{"status"})
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestLoader_RejectsBuiltinCollision(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, "await.json", `{"name": "await", "command": "echo"}`)

	l := NewLoader(dir, nil)
	err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "built-in")
}

func TestLoader_RejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, "a.json", `{"name": "dup", "command": "echo"}`)
	writeToolFile(t, dir, "b.json", `{"name": "dup", "command": "cat"}`)

	l := NewLoader(dir, nil)
	err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoader_AvailabilityProbeDisables(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, "maybe.json", `{
		"name": "maybe",
		"command": "maybe-tool",
		"availability_check": {"command": ["maybe-tool", "--version"]}
	}`)

	failingProbe := func(ctx context.Context, command []string, timeout time.Duration) error {
		return assert.AnError
	}
	l := NewLoader(dir, failingProbe)
	require.NoError(t, l.Load(context.Background()))

	tc, ok := l.Get("maybe")
	require.True(t, ok)
	assert.False(t, tc.IsEnabled())
}

func TestLoader_MissingDirIsEmptyNotError(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.NoError(t, l.Load(context.Background()))
	assert.Empty(t, l.Tools())
}

func TestLoader_ArrayOptionWithoutItemsRejected(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, "bad.json", `{
		"name": "bad",
		"command": "bad",
		"options": [{"name": "items", "type": "array"}]
	}`)

	l := NewLoader(dir, nil)
	err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestDiffReload_DetectsAddedRemovedAndChanged(t *testing.T) {
	before := map[string]*ToolConfig{
		"git":  {Name: "git", Command: "git"},
		"gone": {Name: "gone", Command: "gone"},
	}
	after := map[string]*ToolConfig{
		"git": {Name: "git", Command: "git2"},
		"new": {Name: "new", Command: "new"},
	}

	ev := diffReload(before, after)
	assert.Equal(t, []string{"new"}, ev.Added)
	assert.Equal(t, []string{"gone"}, ev.Removed)
	assert.Equal(t, []string{"git"}, ev.Changed)
}

func TestDiffReload_UnchangedToolNotReported(t *testing.T) {
	before := map[string]*ToolConfig{"git": {Name: "git", Command: "git"}}
	after := map[string]*ToolConfig{"git": {Name: "git", Command: "git"}}

	ev := diffReload(before, after)
	assert.Empty(t, ev.Added)
	assert.Empty(t, ev.Removed)
	assert.Empty(t, ev.Changed)
}
