package execution

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecution(t *testing.T) {
	t.Run("Should create a PENDING execution with timestamps", func(t *testing.T) {
		exec, err := NewExecution(
			core.FunctionRef{Namespace: "demo", Name: "hello"},
			core.TriggerManual,
			"",
			core.Input{"name": "World"},
		)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, exec.Status)
		assert.False(t, exec.ExecID.IsZero())
		assert.False(t, exec.StartedAt.IsZero())
		assert.Nil(t, exec.CompletedAt)
		assert.Nil(t, exec.DurationMS)
	})

	t.Run("Should reject a missing function reference", func(t *testing.T) {
		_, err := NewExecution(core.FunctionRef{}, core.TriggerManual, "", nil)
		var vErr *core.ValidationError
		require.ErrorAs(t, err, &vErr)
	})

	t.Run("Should reject an unknown trigger type", func(t *testing.T) {
		_, err := NewExecution(core.FunctionRef{Name: "hello"}, core.TriggerType("CARRIER_PIGEON"), "", nil)
		var vErr *core.ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}

func TestExecution_HasContinuation(t *testing.T) {
	t.Run("Should require all three continuation fields", func(t *testing.T) {
		prompt := "Confirm action?"
		s := schema.Schema{"type": "object"}
		exec := &Execution{GeneratorState: []byte("blob"), InputPrompt: &prompt, InputSchema: &s}
		assert.True(t, exec.HasContinuation())

		exec.InputSchema = nil
		assert.False(t, exec.HasContinuation())
	})

	t.Run("Should clear the full triple at once", func(t *testing.T) {
		prompt := "Confirm?"
		s := schema.Schema{"type": "object"}
		exec := &Execution{GeneratorState: []byte("blob"), InputPrompt: &prompt, InputSchema: &s}
		exec.ClearContinuation()
		assert.Nil(t, exec.GeneratorState)
		assert.Nil(t, exec.InputPrompt)
		assert.Nil(t, exec.InputSchema)
	})
}

func TestNewStepExecution(t *testing.T) {
	t.Run("Should create a RUNNING step scoped to its parent", func(t *testing.T) {
		parentID := core.MustNewID()
		step, err := NewStepExecution(parentID, core.FunctionRef{Name: "nested"}, core.Input{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, parentID, step.ExecID)
		assert.Equal(t, core.StatusRunning, step.Status)
	})

	t.Run("Should reject a zero parent id", func(t *testing.T) {
		_, err := NewStepExecution("", core.FunctionRef{Name: "nested"}, nil)
		assert.Error(t, err)
	})
}

func TestExecutionDB_ToExecution(t *testing.T) {
	t.Run("Should round-trip all nullable fields", func(t *testing.T) {
		inputJSON, err := json.Marshal(map[string]any{"name": "World"})
		require.NoError(t, err)
		outputJSON, err := json.Marshal(map[string]any{"result": "Hello World"})
		require.NoError(t, err)
		schemaJSON, err := json.Marshal(map[string]any{"type": "object"})
		require.NoError(t, err)
		completed := time.Now().UTC()

		row := &ExecutionDB{
			ExecID:          core.MustNewID(),
			FunctionNS:      "demo",
			FunctionName:    "hello",
			TriggerType:     core.TriggerWebhook,
			TriggerID:       sql.NullString{String: "wh-1", Valid: true},
			Status:          core.StatusAwaitingInput,
			InputRaw:        inputJSON,
			OutputRaw:       outputJSON,
			ErrorRaw:        sql.NullString{String: "boom", Valid: true},
			CompletedAt:     sql.NullTime{Time: completed, Valid: true},
			DurationMS:      sql.NullInt64{Int64: 1000, Valid: true},
			ChatID:          sql.NullString{String: core.MustNewID().String(), Valid: true},
			GeneratorState:  []byte("opaque"),
			InputPrompt:     sql.NullString{String: "Confirm?", Valid: true},
			InputSchemaRaw:  schemaJSON,
			CancelRequested: true,
		}

		exec, err := row.ToExecution()
		require.NoError(t, err)
		assert.Equal(t, "demo/hello", exec.Function.String())
		assert.Equal(t, "wh-1", exec.TriggerID)
		assert.Equal(t, core.Input{"name": "World"}, exec.Input)
		require.NotNil(t, exec.Output)
		assert.Equal(t, "Hello World", (*exec.Output)["result"])
		require.NotNil(t, exec.Error)
		assert.Equal(t, "boom", *exec.Error)
		require.NotNil(t, exec.DurationMS)
		assert.EqualValues(t, 1000, *exec.DurationMS)
		assert.True(t, exec.HasContinuation())
		assert.True(t, exec.CancelRequested)
	})

	t.Run("Should leave optional fields nil for a fresh row", func(t *testing.T) {
		row := &ExecutionDB{
			ExecID:       core.MustNewID(),
			FunctionName: "hello",
			TriggerType:  core.TriggerManual,
			Status:       core.StatusPending,
		}
		exec, err := row.ToExecution()
		require.NoError(t, err)
		assert.Nil(t, exec.Output)
		assert.Nil(t, exec.Error)
		assert.Nil(t, exec.ChatID)
		assert.False(t, exec.HasContinuation())
	})

	t.Run("Should surface malformed JSON payloads", func(t *testing.T) {
		row := &ExecutionDB{
			ExecID:      core.MustNewID(),
			TriggerType: core.TriggerManual,
			Status:      core.StatusPending,
			InputRaw:    []byte("{not json"),
		}
		_, err := row.ToExecution()
		assert.Error(t, err)
	})
}

func TestStepExecutionDB_ToStepExecution(t *testing.T) {
	t.Run("Should convert a terminal step row", func(t *testing.T) {
		outputJSON, err := json.Marshal(map[string]any{"n": float64(2)})
		require.NoError(t, err)
		row := &StepExecutionDB{
			StepID:       core.MustNewID(),
			ExecID:       core.MustNewID(),
			FunctionName: "nested",
			Status:       core.StatusCompleted,
			OutputRaw:    outputJSON,
			DurationMS:   sql.NullInt64{Int64: 42, Valid: true},
		}
		step, err := row.ToStepExecution()
		require.NoError(t, err)
		require.NotNil(t, step.Output)
		assert.Equal(t, float64(2), (*step.Output)["n"])
		require.NotNil(t, step.DurationMS)
		assert.EqualValues(t, 42, *step.DurationMS)
	})
}
