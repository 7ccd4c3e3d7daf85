package attestation_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/attestation/attestationtest"
	"collateraloracle/internal/attestation/mocks"
	id "collateraloracle/pkg/domain"
)

func TestRegistry(t *testing.T) {
	t.Run("registers and lists sources ordered by ID", func(t *testing.T) {
		reg, err := attestation.NewRegistry(
			attestationtest.NewFake("c", "ethereum", "alice"),
			attestationtest.NewFake("a", "solana", "alice"),
			attestationtest.NewFake("b", "ethereum", "alice"),
		)
		require.NoError(t, err)

		var ids []id.SourceID
		for _, s := range reg.All() {
			ids = append(ids, s.ID())
		}
		assert.Equal(t, []id.SourceID{"a", "b", "c"}, ids)
		assert.Len(t, reg.ByChain("ethereum"), 2)
		assert.Equal(t, []id.ChainID{"ethereum", "solana"}, reg.Chains())
		assert.Equal(t, 3, reg.Len())
	})

	t.Run("rejects duplicate IDs", func(t *testing.T) {
		reg, err := attestation.NewRegistry(attestationtest.NewFake("a", "ethereum", "alice"))
		require.NoError(t, err)

		err = reg.Register(attestationtest.NewFake("a", "solana", "bob"))
		assert.ErrorIs(t, err, attestation.ErrSourceRegistered)
	})

	t.Run("rejects nil and unnamed sources", func(t *testing.T) {
		reg, _ := attestation.NewRegistry()
		assert.Error(t, reg.Register(nil))

		ctrl := gomock.NewController(t)
		src := mocks.NewMockSource(ctrl)
		src.EXPECT().ID().Return(id.SourceID(""))
		assert.Error(t, reg.Register(src))
	})

	t.Run("unregister removes source", func(t *testing.T) {
		reg, _ := attestation.NewRegistry(attestationtest.NewFake("a", "ethereum", "alice"))
		reg.Unregister("a")
		_, ok := reg.Get("a")
		assert.False(t, ok)
	})
}

func TestAttestationClone(t *testing.T) {
	att := &attestation.Attestation{SourceID: "a", ChainProof: []byte{1, 2, 3}}
	c := att.Clone()
	c.ChainProof[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, att.ChainProof)
	assert.Nil(t, (*attestation.Attestation)(nil).Clone())
}

func TestErrorTaxonomy(t *testing.T) {
	timeout := attestation.NewSourceError(attestation.ErrorTimeout, "a", "slow", nil)
	assert.True(t, attestation.IsRetryable(timeout))
	assert.False(t, attestation.IsRetryable(attestation.NewSourceError(attestation.ErrorBadData, "a", "junk", nil)))
	assert.False(t, attestation.IsRetryable(errors.New("plain")))

	assert.Equal(t, attestation.ErrorInternal, attestation.CategoryOf(errors.New("plain")))
	assert.Contains(t, timeout.Error(), "source a [timeout]")

	assert.False(t, attestation.CountsAgainstSource(attestation.NewSourceError(attestation.ErrorNotFound, "a", "", nil)))
	assert.True(t, attestation.CountsAgainstSource(timeout))

	classified := attestation.Classify("a", errors.New("boom"))
	assert.Equal(t, id.SourceID("a"), classified.SourceID)
	assert.Nil(t, attestation.Classify("a", nil))
}

func TestBreakers(t *testing.T) {
	b := attestation.NewBreakers()
	for range 5 {
		b.Record("flaky", attestation.NewSourceError(attestation.ErrorSourceOutage, "flaky", "down", nil))
	}
	assert.False(t, b.Allow("flaky"))
	assert.Equal(t, []id.SourceID{"flaky"}, b.Open())

	// not-found answers are not held against the source
	for range 10 {
		b.Record("sparse", attestation.NewSourceError(attestation.ErrorNotFound, "sparse", "", nil))
	}
	assert.True(t, b.Allow("sparse"))
}
