package sandbox

import (
	"testing"

	"github.com/ahma-mcp/ahma/internal/pathsec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopSandbox_Transform(t *testing.T) {
	n := &NoopSandbox{}
	env, err := n.Transform(CommandSpec{Program: "echo", Args: []string{"hi"}, Cwd: "/tmp"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hi"}, env.Command)
	assert.Equal(t, "/tmp", env.Cwd)
}

func TestNoopSandbox_ValidatePath_OutsideScope(t *testing.T) {
	n := &NoopSandbox{}
	root := t.TempDir()
	policy := &Policy{Scopes: []Scope{{Root: pathsec.Scope{Root: root}, Mode: ModeStrict}}}
	_, err := n.ValidatePath("/etc/passwd", "", policy)
	require.Error(t, err)
}

func TestScopeSet_UpdateAfterAcceptedFails(t *testing.T) {
	ss := NewScopeSet(nil)
	ss.MarkAccepted()
	err := ss.UpdateScopes([]Scope{{Root: pathsec.Scope{Root: "/tmp"}, Mode: ModeStrict}})
	require.Error(t, err)
}

func TestScopeSet_UpdateBeforeAcceptedSucceeds(t *testing.T) {
	ss := NewScopeSet(nil)
	err := ss.UpdateScopes([]Scope{{Root: pathsec.Scope{Root: "/tmp"}, Mode: ModeStrict}})
	require.NoError(t, err)
	assert.Len(t, ss.Scopes(), 1)
}

func TestPolicy_TestModeBypass(t *testing.T) {
	p := &Policy{Scopes: []Scope{{Root: pathsec.Scope{Root: "/"}, Mode: ModeTest}}}
	assert.True(t, p.testModeBypass())

	p2 := &Policy{Scopes: []Scope{{Root: pathsec.Scope{Root: "/srv"}, Mode: ModeStrict}}}
	assert.False(t, p2.testModeBypass())

	p3 := &Policy{}
	assert.True(t, p3.testModeBypass())
}

func TestCheckPrerequisites_NoSandboxSkips(t *testing.T) {
	require.NoError(t, CheckPrerequisites(&NoopSandbox{}, true))
}
