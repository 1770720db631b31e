package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		allowed  bool
	}{
		{ExecutionStatusPending, ExecutionStatusRunning, true},
		{ExecutionStatusPending, ExecutionStatusCompleted, false},
		{ExecutionStatusRunning, ExecutionStatusCompleted, true},
		{ExecutionStatusRunning, ExecutionStatusFailed, true},
		{ExecutionStatusRunning, ExecutionStatusAwaitingInput, true},
		{ExecutionStatusAwaitingInput, ExecutionStatusRunning, true},
		{ExecutionStatusAwaitingInput, ExecutionStatusCompleted, false},
		{ExecutionStatusCompleted, ExecutionStatusRunning, false},
		{ExecutionStatusFailed, ExecutionStatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.False(t, ExecutionStatusPending.Terminal())
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusAwaitingInput.Terminal())
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("math/add")
	require.NoError(t, err)
	assert.Equal(t, "math", ref.Namespace)
	assert.Equal(t, "add", ref.Name)
	assert.Equal(t, "math/add", ref.String())

	for _, bad := range []string{"", "math", "/add", "math/"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, "ref %q should be rejected", bad)
	}
}

func TestMessageValidate(t *testing.T) {
	valid := Message{Role: RoleUser, Content: TextContent("hi")}
	assert.NoError(t, valid.Validate())

	// Assistant message with tool calls and no content is legal.
	withTools := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tc1", Name: "x"}}}
	assert.NoError(t, withTools.Validate())

	// Tool message requires tool_call_id.
	toolNoID := Message{Role: RoleTool, Content: TextContent("result")}
	assert.Error(t, toolNoID.Validate())

	// Assistant message with neither content nor tool calls is invalid.
	empty := Message{Role: RoleAssistant}
	assert.Error(t, empty.Validate())

	unknown := Message{Role: "oracle"}
	assert.Error(t, unknown.Validate())
}

func TestMessagePlainText(t *testing.T) {
	m := Message{Role: RoleUser, Content: []ContentPart{
		{Type: PartText, Text: "look at "},
		{Type: PartImage, URL: "https://x/img.png", MIME: "image/png"},
	}}
	assert.Equal(t, "look at [image: https://x/img.png]", m.PlainText())
}

func TestUserContextCanExecuteFunction(t *testing.T) {
	u := &UserContext{UserID: "u1", Permissions: []string{
		"resource.function/math/add.execute:own",
		"resource.function/ops/*.execute:all",
	}}
	assert.True(t, u.CanExecuteFunction("math", "add"))
	assert.True(t, u.CanExecuteFunction("ops", "delete_user"))
	assert.False(t, u.CanExecuteFunction("math", "sub"))
	assert.False(t, u.CanExecuteFunction("mail", "send"))

	admin := &UserContext{UserID: "root", Permissions: []string{"*"}}
	assert.True(t, admin.CanExecuteFunction("anything", "at_all"))
}

func TestAgentStateNamespaces(t *testing.T) {
	a := &Agent{
		StateNamespacesReadonly:  []string{"prefs"},
		StateNamespacesReadwrite: []string{"notes"},
	}
	assert.Equal(t, []string{"notes", "prefs"}, a.StateNamespaces())
	assert.True(t, a.CanWriteNamespace("notes"))
	assert.False(t, a.CanWriteNamespace("prefs"))
	assert.False(t, a.CanWriteNamespace("other"))
}

func TestPendingApprovalDecided(t *testing.T) {
	p := &PendingApproval{}
	assert.False(t, p.Decided())
	p.Decision = ApprovalApproved
	assert.True(t, p.Decided())
	p.Decision = ApprovalRejected
	assert.True(t, p.Decided())
}
