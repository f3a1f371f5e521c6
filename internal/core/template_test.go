package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeNodeTemplate() *WorkflowTemplate {
	return &WorkflowTemplate{
		ID:   "feature",
		Name: "Feature",
		Nodes: []Node{
			{ID: "a", Role: RoleDeveloper, NextNodeID: "b"},
			{ID: "b", Role: RoleReviewer, NextNodeID: "c", KanbanStatus: "review", KanbanTrigger: KanbanOnComplete},
			{ID: "c", Role: RolePM},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
}

func TestWorkflowTemplate_Validate(t *testing.T) {
	require.NoError(t, threeNodeTemplate().Validate())

	empty := &WorkflowTemplate{ID: "empty"}
	err := empty.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation(CodeEmptyTemplate, "")))

	bad := threeNodeTemplate()
	bad.Nodes[2].NextNodeID = "ghost"
	bad.Nodes[1].KanbanTrigger = "sometimes"
	err = bad.Validate()
	require.Error(t, err)
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, "c", graphErr.NodeID)
	assert.Equal(t, "ghost", graphErr.NextNodeID)
	assert.True(t, errors.Is(err, ErrValidation(CodeInvalidTrigger, "")))
}

func TestWorkflowTemplate_Validate_DuplicateAndRole(t *testing.T) {
	tmpl := &WorkflowTemplate{
		ID: "dup",
		Nodes: []Node{
			{ID: "a", Role: RoleDeveloper},
			{ID: "a", Role: "wizard"},
		},
	}
	err := tmpl.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation(CodeDuplicateNode, "")))
	assert.True(t, errors.Is(err, ErrValidation(CodeInvalidRole, "")))
}

func TestWorkflowTemplate_Next(t *testing.T) {
	tmpl := threeNodeTemplate()

	next, err := tmpl.Next("a")
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	next, err = tmpl.Next("c")
	require.NoError(t, err)
	assert.Nil(t, next)

	tmpl.Nodes[0].NextNodeID = "missing"
	_, err = tmpl.Next("a")
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, "missing", graphErr.NextNodeID)

	_, err = tmpl.Next("nope")
	assert.True(t, IsNotFound(err))
}

func TestNode_EffectiveTrigger(t *testing.T) {
	assert.Equal(t, KanbanOnStart, (&Node{}).EffectiveTrigger())
	assert.Equal(t, KanbanOnComplete, (&Node{KanbanTrigger: KanbanOnComplete}).EffectiveTrigger())
}

func TestWorkflowRun_ActiveExecution(t *testing.T) {
	run := &WorkflowRun{Executions: []NodeExecution{
		{NodeID: "a", Status: NodeStatusCompleted},
		{NodeID: "b", Status: NodeStatusWaitingApproval},
	}}
	active := run.ActiveExecution()
	require.NotNil(t, active)
	assert.Equal(t, "b", active.NodeID)

	clone := run.Clone()
	clone.Executions[1].Status = NodeStatusCompleted
	assert.Equal(t, NodeStatusWaitingApproval, run.Executions[1].Status)
	assert.Nil(t, clone.ActiveExecution())
}
