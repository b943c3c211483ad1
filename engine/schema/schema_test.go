package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmSchema() *Schema {
	return &Schema{
		"type": "object",
		"properties": map[string]any{
			"confirm": map[string]any{"type": "boolean"},
		},
		"required": []any{"confirm"},
	}
}

func TestSchema_Validate(t *testing.T) {
	t.Run("Should accept input conforming to the schema", func(t *testing.T) {
		result, err := confirmSchema().Validate(t.Context(), map[string]any{"confirm": true})
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Valid)
	})

	t.Run("Should reject input of the wrong type", func(t *testing.T) {
		_, err := confirmSchema().Validate(t.Context(), map[string]any{"confirm": "yes"})
		assert.Error(t, err)
	})

	t.Run("Should reject input missing required fields", func(t *testing.T) {
		_, err := confirmSchema().Validate(t.Context(), map[string]any{})
		assert.Error(t, err)
	})

	t.Run("Should accept everything for a nil schema", func(t *testing.T) {
		var s *Schema
		result, err := s.Validate(t.Context(), map[string]any{"anything": 1})
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("Should fail to compile a malformed schema", func(t *testing.T) {
		s := &Schema{"type": make(chan int)}
		_, err := s.Compile()
		assert.Error(t, err)
	})
}
