package result

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "collateraloracle/pkg/domain-errors"
)

func TestFrom(t *testing.T) {
	t.Run("success carries value without error fields", func(t *testing.T) {
		r := From(42, nil)
		assert.False(t, r.IsError)
		assert.Equal(t, 42, r.Value)
		assert.Empty(t, r.Message)
		assert.NoError(t, r.Err())
	})

	t.Run("coded failure keeps partial value and details", func(t *testing.T) {
		err := dErrors.New(dErrors.CodeConsensusBelowThreshold, "75.00% agreement is below the 80.00% quorum").
			WithDetail("dissenting_sources", []string{"src-d"})
		r := From("partial", fmt.Errorf("query: %w", err))

		assert.True(t, r.IsError)
		assert.Equal(t, "partial", r.Value)
		assert.Equal(t, dErrors.CodeConsensusBelowThreshold, r.Code)
		assert.Equal(t, "75.00% agreement is below the 80.00% quorum", r.Message)
		assert.Equal(t, []string{"src-d"}, r.Details["dissenting_sources"])
		assert.True(t, dErrors.HasCode(r.Err(), dErrors.CodeConsensusBelowThreshold))
	})

	t.Run("uncoded failure is internal", func(t *testing.T) {
		r := Fail[int](errors.New("disk on fire"))
		assert.True(t, r.IsError)
		assert.Equal(t, dErrors.CodeInternal, r.Code)
		assert.Equal(t, "disk on fire", r.Message)
	})
}
