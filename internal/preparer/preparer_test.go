package preparer

import (
	"os"
	"strings"
	"testing"

	"github.com/ahma-mcp/ahma/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitConfig() *config.ToolConfig {
	return &config.ToolConfig{
		Name:    "git",
		Command: "git",
		Options: []config.CommandOption{
			{Name: "verbose", Type: config.OptionBoolean, Alias: "v"},
		},
		Subcommand: []*config.ToolConfig{
			{
				Name: "commit",
				Options: []config.CommandOption{
					{Name: "message", Type: config.OptionString, Alias: "m"},
					{Name: "all", Type: config.OptionBoolean, Alias: "a"},
				},
			},
		},
	}
}

func TestPrepare_BasicFlagsAndAlias(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), []string{"commit"}, map[string]interface{}{
		"message": "fix bug",
		"all":     true,
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, []string{"git", "commit", "-a", "-m", "fix bug"}, argv)
}

func TestPrepare_DropsUnknownKeys(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), []string{"commit"}, map[string]interface{}{
		"message": "ok",
		"bogus":   "should not appear",
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	for _, tok := range argv {
		assert.NotContains(t, tok, "bogus")
		assert.NotContains(t, tok, "should not appear")
	}
}

func TestPrepare_SkipsReservedRuntimeKeys(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), []string{"commit"}, map[string]interface{}{
		"message":           "ok",
		"working_directory": "/tmp/whatever",
		"timeout_seconds":   30,
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, []string{"git", "commit", "-m", "ok"}, argv)
}

func TestPrepare_AppendsRawArgsVerbatim(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), nil, map[string]interface{}{
		"args": []interface{}{"--no-pager", "log"},
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, []string{"git", "--no-pager", "log"}, argv)
}

func TestPrepare_SpillsValueWithNewline(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), []string{"commit"}, map[string]interface{}{
		"message": "line one\nline two",
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	require.Len(t, argv, 4)
	assert.Equal(t, "-m", argv[2])
	data, err := os.ReadFile(argv[3])
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(data))
}

func TestPrepare_FileArgSpillsRegardlessOfContent(t *testing.T) {
	tc := gitConfig()
	tc.Subcommand[0].Options = append(tc.Subcommand[0].Options, config.CommandOption{
		Name: "patch", Type: config.OptionString, FileArg: true, FileFlag: "--patch-file",
	})

	argv, guard, err := Prepare(tc, []string{"commit"}, map[string]interface{}{
		"patch": "diff content",
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, "--patch-file", argv[2])
	data, err := os.ReadFile(argv[3])
	require.NoError(t, err)
	assert.Equal(t, "diff content", string(data))
}

func TestPrepare_PathFormatValidated(t *testing.T) {
	tc := &config.ToolConfig{
		Name:    "cat",
		Command: "cat",
		Options: []config.CommandOption{
			{Name: "file", Type: config.OptionString, Format: "path", Positional: true},
		},
	}
	called := false
	validator := func(path, cwd string) (string, error) {
		called = true
		return "/canon/" + path, nil
	}

	argv, guard, err := Prepare(tc, nil, map[string]interface{}{"file": "a.txt"}, "/work", validator)
	require.NoError(t, err)
	defer guard.Close()

	assert.True(t, called)
	assert.Equal(t, []string{"cat", "/canon/a.txt"}, argv)
}

func TestPrepare_BooleanFalseOmitsFlag(t *testing.T) {
	argv, guard, err := Prepare(gitConfig(), []string{"commit"}, map[string]interface{}{
		"all": false,
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()
	assert.Equal(t, []string{"git", "commit"}, argv)
}

func TestPrepare_MultiplePositionalsPreserveSchemaOrder(t *testing.T) {
	tc := &config.ToolConfig{
		Name:    "cp",
		Command: "cp",
		Options: []config.CommandOption{
			{Name: "source", Type: config.OptionString, Positional: true},
			{Name: "dest", Type: config.OptionString, Positional: true},
		},
	}

	argv, guard, err := Prepare(tc, nil, map[string]interface{}{
		"dest":   "b.txt",
		"source": "a.txt",
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, []string{"cp", "a.txt", "b.txt"}, argv)
}

func TestPrepare_ArrayCoercionJoinsWithSpaces(t *testing.T) {
	tc := &config.ToolConfig{
		Name:    "grep",
		Command: "grep",
		Options: []config.CommandOption{
			{Name: "patterns", Type: config.OptionArray, Items: &config.CommandOption{Type: config.OptionString}},
		},
	}
	argv, guard, err := Prepare(tc, nil, map[string]interface{}{
		"patterns": []interface{}{"foo", "bar"},
	}, "", nil)
	require.NoError(t, err)
	defer guard.Close()
	assert.True(t, strings.HasSuffix(argv[len(argv)-1], "foo bar"))
}
