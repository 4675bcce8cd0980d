package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator(t *testing.T) {
	ctx := context.Background()
	ev := New()

	t.Run("conditions", func(t *testing.T) {
		ok, err := ev.Bool(ctx, "amount > 1000", map[string]any{"amount": 5000})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = ev.Bool(ctx, "amount > 1000", map[string]any{"amount": 500})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non boolean condition", func(t *testing.T) {
		_, err := ev.Bool(ctx, "amount + 1", map[string]any{"amount": 1})
		require.ErrorIs(t, err, ErrNotBool)
	})

	t.Run("values", func(t *testing.T) {
		v, err := ev.Eval(ctx, "len(items)", map[string]any{"items": []any{1, 2, 3}})
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("mapping", func(t *testing.T) {
		out, err := ev.Map(ctx, map[string]string{"total": "a + b"}, map[string]any{"a": 1, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"total": 3}, out)
	})

	t.Run("syntax errors", func(t *testing.T) {
		_, err := ev.Eval(ctx, "amount >", nil)
		require.ErrorIs(t, err, ErrCompile)
	})
}

func TestCheck(t *testing.T) {
	ev := New()

	require.NoError(t, ev.Check("amount > 1000 && approved", []string{"amount", "approved"}))

	err := ev.Check("amount > limit", []string{"amount"})
	require.ErrorIs(t, err, ErrCompile)
	assert.Contains(t, err.Error(), "limit")
}
