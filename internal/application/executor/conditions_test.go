package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/wfcore/internal/domain"
)

func TestConditionEvaluator_Always(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionAlways, "")
	taken, warning, err := ce.EvaluateEdge(edge, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.True(t, taken)
}

func TestConditionEvaluator_SuccessMatchesStatus(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionSuccess, "")
	taken, _, err := ce.EvaluateEdge(edge, map[string]any{"status": "success"}, nil)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, _, err = ce.EvaluateEdge(edge, map[string]any{"status": "failure"}, nil)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestConditionEvaluator_SuccessMatchesResult(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionSuccess, "")
	taken, _, err := ce.EvaluateEdge(edge, map[string]any{"result": "success"}, nil)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestConditionEvaluator_Expression_InterpolatedEquality(t *testing.T) {
	ce := NewConditionEvaluator(true)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionExpression, `{{status}} == "approved"`)

	taken, warning, err := ce.EvaluateEdge(edge, map[string]any{"status": "approved"}, nil)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.True(t, taken)

	taken, warning, err = ce.EvaluateEdge(edge, map[string]any{"status": "rejected"}, nil)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.False(t, taken)
}

func TestConditionEvaluator_Expression_MissingVariableNotTaken(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionExpression, `{{missing}} == "x"`)
	taken, warning, err := ce.EvaluateEdge(edge, nil, nil)
	require.NoError(t, err)
	assert.False(t, taken)
	assert.NotEmpty(t, warning)
}

func TestConditionEvaluator_Expression_UnsupportedOperatorNotTaken(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionExpression, `{{count}} > 5`)
	taken, warning, err := ce.EvaluateEdge(edge, map[string]any{"count": 10}, nil)
	require.NoError(t, err)
	assert.False(t, taken)
	assert.NotEmpty(t, warning)
}

func TestConditionEvaluator_Expression_UsesRunVariables(t *testing.T) {
	ce := NewConditionEvaluator(false)
	edge := domain.NewEdge("e1", "a", "b", domain.EdgeConditionExpression, `{{region}} != "eu"`)
	taken, _, err := ce.EvaluateEdge(edge, nil, map[string]any{"region": "us"})
	require.NoError(t, err)
	assert.True(t, taken)
}
