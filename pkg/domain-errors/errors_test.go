package domainerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Run("nil error stays nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
	})

	t.Run("code survives further wrapping", func(t *testing.T) {
		base := New(CodeNotFound, "asset unknown")
		err := fmt.Errorf("lookup: %w", base)
		assert.True(t, HasCode(err, CodeNotFound))
		assert.Equal(t, CodeNotFound, CodeOf(err))
		assert.Equal(t, "asset unknown", MessageOf(err))
	})

	t.Run("inner codes remain visible", func(t *testing.T) {
		inner := New(CodeConflict, "head moved")
		outer := Wrap(inner, CodeInternal, "append failed")
		assert.True(t, HasCode(outer, CodeInternal))
		assert.True(t, HasCode(outer, CodeConflict))
		assert.Equal(t, CodeInternal, CodeOf(outer))
	})

	t.Run("context cancellation is reported as cancelled", func(t *testing.T) {
		err := Wrap(context.Canceled, CodeInternal, "query")
		assert.True(t, HasCode(err, CodeCancelled))
		assert.False(t, HasCode(err, CodeInternal))
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeSourceTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWithDetail(t *testing.T) {
	err := New(CodeInsufficientCollateral, "pledge exceeds available value").
		WithDetail("requested", "150").
		WithDetail("available", "100")

	details := DetailsOf(fmt.Errorf("create: %w", err))
	require.NotNil(t, details)
	assert.Equal(t, "150", details["requested"])
	assert.Equal(t, "100", details["available"])
}
