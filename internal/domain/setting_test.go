package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingValidate(t *testing.T) {
	t.Parallel()

	t.Run("fixed with value", func(t *testing.T) {
		t.Parallel()
		s, err := FixedSetting("1:1")
		require.NoError(t, err)
		assert.NoError(t, s.Validate(false))
		assert.False(t, s.IsAxis())
	})

	t.Run("fixed without value rejected unless optional", func(t *testing.T) {
		t.Parallel()
		s := Setting{Kind: SettingFixed}
		assert.ErrorIs(t, s.Validate(false), ErrSettingValueMissing)
		assert.NoError(t, s.Validate(true))
	})

	t.Run("axis requires identity and values", func(t *testing.T) {
		t.Parallel()
		s, err := AxisSetting("ratio-axis", "ratio", "1:1", "4:3")
		require.NoError(t, err)
		assert.NoError(t, s.Validate(false))
		assert.True(t, s.IsAxis())

		missing := Setting{Kind: SettingAxis, AxisID: "x"}
		assert.ErrorIs(t, missing.Validate(false), ErrSettingAxisIdentity)

		empty := Setting{Kind: SettingAxis, AxisID: "x", AxisName: "ratio"}
		assert.ErrorIs(t, empty.Validate(false), ErrSettingAxisEmpty)
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		t.Parallel()
		s := Setting{Kind: "variable"}
		assert.ErrorIs(t, s.Validate(false), ErrSettingKindUnknown)
	})
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestSubtaskRetriesExhausted(t *testing.T) {
	t.Parallel()

	s := &Subtask{RetryCount: MaxRetryCount - 1}
	assert.False(t, s.RetriesExhausted())

	s.RetryCount = MaxRetryCount
	assert.True(t, s.RetriesExhausted())
}
