package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

func TestField_LineEscapesNewlines(t *testing.T) {
	f := Field{TagUserMessage, "first\nsecond\r\nthird \\n literal"}
	line := f.Line()
	assert.NotContains(t, line, "\n")
	assert.NotContains(t, line, "\r")
	assert.Equal(t, `USER_MESSAGE: first\nsecond\r\nthird \\n literal`, line)

	back, err := Parse(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestUnescape(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{`a\nb`, "a\nb"},
		{`a\\nb`, `a\nb`},
		{`trailing\`, `trailing\`},
		{`\t kept`, `\t kept`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Unescape(tt.in), tt.in)
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse("no separator")
	assert.Error(t, err)
	_, err = Parse(": value")
	assert.Error(t, err)
}

func TestNodeAssignment(t *testing.T) {
	run := &core.WorkflowRun{ID: "run-1", TargetID: "SQ-7"}
	node := &core.Node{ID: "review", Description: "Review the change"}

	m := NodeAssignment(run, node)
	assert.Equal(t, []string{
		"WORKFLOW_NODE: Review the change",
		"RUN_ID: run-1",
		"NODE_ID: review",
		"TARGET_ID: SQ-7",
	}, m.Lines())

	m = NodeAssignment(&core.WorkflowRun{ID: "run-2"}, &core.Node{ID: "build"})
	desc, _ := m.Get(TagWorkflowNode)
	assert.Equal(t, "build", desc)
	_, ok := m.Get(TagTargetID)
	assert.False(t, ok)
}

func TestUserMessage_ThreadContext(t *testing.T) {
	type msg struct {
		Author string `json:"author"`
		Text   string `json:"text"`
	}
	m, err := UserMessage("can you\nrebase?", []msg{{"ana", "hi"}, {"bot", "hello"}})
	require.NoError(t, err)
	require.Len(t, m, 2)

	raw, ok := m.Get(TagThreadContext)
	require.True(t, ok)
	var decoded []msg
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Len(t, decoded, 2)

	m, err = UserMessage("solo", nil)
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestPRComment(t *testing.T) {
	m := PRComment("https://example.com/pr/1", "sam", "nit")
	assert.Equal(t, []string{"PR_COMMENT: sam: nit", "PR_URL: https://example.com/pr/1"}, m.Lines())
}
