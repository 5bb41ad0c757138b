package template

import (
	"os"
	"testing"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always map to float
	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, result, 0.0001)
}

func TestRender_ObjectConstruction(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"contract": map[string]any{"id": "C-1"},
		"clauses":  []any{"liability", "termination"},
	}

	result, err := Render(`{
		"contract_id": "{{ .contract.id }}",
		"clause_count": {{ len .clauses }}
	}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "C-1", resultMap["contract_id"])
	assert.InDelta(t, 2.0, resultMap["clause_count"], 0.0001)
}

func TestRender_ErrorHandling(t *testing.T) {
	t.Parallel()

	_, err := Render("{ invalid..expression }}", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ nonexistent.field }}", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function \"nonexistent\" not defined")
}

func TestRenderString_MissingKeyIsEmpty(t *testing.T) {
	t.Parallel()

	result, err := RenderString("Contract [{{ .input.contract_id }}]", map[string]any{"input": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "Contract []", result)
}

func TestEnvelopeData(t *testing.T) {
	require.NoError(t, os.Setenv("CONVEYOR_TEMPLATE_TEST", "on"))
	t.Cleanup(func() {
		_ = os.Unsetenv("CONVEYOR_TEMPLATE_TEST")
	})

	data := EnvelopeData(models.Envelope{
		CorrelationID: "exec-1",
		StageID:       "approval",
		Attempt:       2,
		StageInput:    map[string]any{"contract_id": "C-9", "overall_score": 6.5},
		CallbackToken: "tok-1",
	})

	result, err := RenderString(
		"{{.execution.id}}/{{.stage.id}}/{{.stage.attempt}} {{.input.contract_id}} score={{.input.overall_score}} "+
			"https://example.com/callbacks/{{.callback_token}} {{.env.CONVEYOR_TEMPLATE_TEST}}",
		data,
	)
	require.NoError(t, err)
	assert.Equal(t, "exec-1/approval/2 C-9 score=6.5 https://example.com/callbacks/tok-1 on", result)
}
