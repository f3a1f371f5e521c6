// Package protocol encodes the tag-prefixed lines written to a worker's
// stdin. Each field is one line of the form "TAG: value". Nothing is read
// back over this channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// Tag names a stdin field.
type Tag string

const (
	TagWorkflowNode  Tag = "WORKFLOW_NODE"
	TagRunID         Tag = "RUN_ID"
	TagNodeID        Tag = "NODE_ID"
	TagTargetID      Tag = "TARGET_ID"
	TagUserMessage   Tag = "USER_MESSAGE"
	TagThreadContext Tag = "THREAD_CONTEXT"
	TagStoryID       Tag = "STORY_ID"
	TagSprintReady   Tag = "SPRINT_READY"
	TagReviewRequest Tag = "REVIEW_REQUEST"
	TagPRURL         Tag = "PR_URL"
	TagPRComment     Tag = "PR_COMMENT"
)

const separator = ": "

// Field is one tagged value.
type Field struct {
	Tag   Tag
	Value string
}

// Line renders the field without a trailing newline. Backslashes, carriage
// returns and newlines in the value are escaped so the field stays on one line.
func (f Field) Line() string {
	return string(f.Tag) + separator + Escape(f.Value)
}

// Message is an ordered set of fields delivered together.
type Message []Field

// Lines renders every field.
func (m Message) Lines() []string {
	out := make([]string, len(m))
	for i, f := range m {
		out[i] = f.Line()
	}
	return out
}

// Get returns the first value for tag.
func (m Message) Get(tag Tag) (string, bool) {
	for _, f := range m {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// Escape makes s safe to embed in a single line.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. Unknown escape sequences are kept verbatim.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Parse splits a rendered line back into a field.
func Parse(line string) (Field, error) {
	line = strings.TrimRight(line, "\r\n")
	tag, value, ok := strings.Cut(line, separator)
	if !ok || tag == "" {
		return Field{}, fmt.Errorf("malformed protocol line %q", line)
	}
	return Field{Tag: Tag(tag), Value: Unescape(value)}, nil
}

// NodeAssignment is the context handed to the worker that runs a node.
// The node description is preferred over its id for WORKFLOW_NODE.
func NodeAssignment(run *core.WorkflowRun, node *core.Node) Message {
	desc := node.Description
	if desc == "" {
		desc = node.ID
	}
	m := Message{
		{TagWorkflowNode, desc},
		{TagRunID, run.ID},
		{TagNodeID, node.ID},
	}
	if run.TargetID != "" {
		m = append(m, Field{TagTargetID, run.TargetID})
	}
	return m
}

// UserMessage relays a chat message. A non-nil thread is attached as a JSON
// array under THREAD_CONTEXT.
func UserMessage(text string, thread any) (Message, error) {
	m := Message{{TagUserMessage, text}}
	if thread == nil {
		return m, nil
	}
	raw, err := json.Marshal(thread)
	if err != nil {
		return nil, fmt.Errorf("encoding thread context: %w", err)
	}
	return append(m, Field{TagThreadContext, string(raw)}), nil
}

// StoryAssignment tells a worker which ticket it now owns.
func StoryAssignment(ticketID string) Message {
	return Message{{TagStoryID, ticketID}}
}

// SprintReady asks a planner to pick up a sprint.
func SprintReady(sprintID string) Message {
	return Message{{TagSprintReady, sprintID}}
}

// ReviewRequest asks a reviewer to look at a change request.
func ReviewRequest(title, url string) Message {
	return Message{{TagReviewRequest, title}, {TagPRURL, url}}
}

// PRComment forwards a review comment to the ticket owner.
func PRComment(url, author, body string) Message {
	m := Message{{TagPRComment, body}}
	if url != "" {
		m = append(m, Field{TagPRURL, url})
	}
	if author != "" {
		m[0].Value = author + ": " + body
	}
	return m
}
