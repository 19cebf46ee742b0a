package task_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/task"
)

func TestExecuteParamsRoundTripsThroughJSON(t *testing.T) {
	p := task.ExecuteParams{
		TaskType:    task.TaskTypeAIInference,
		Role:        task.RoleMiddle,
		RequestID:   "req-1",
		Activations: &task.ActivationPayload{Data: []float32{1, 2, 3}, Shape: [2]int{1, 3}},
		Position:    2,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var out task.ExecuteParams
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, p, out)
}

func TestExecuteResultOmitsAbsentFields(t *testing.T) {
	r := task.ExecuteResult{LatencyMS: 12}
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "token_text")
	assert.NotContains(t, string(raw), "kv_state_handle")
}
