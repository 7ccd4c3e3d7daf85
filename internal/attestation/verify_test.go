package attestation_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/attestation"
	id "collateraloracle/pkg/domain"
)

type JWTVerifierSuite struct {
	suite.Suite
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	verifier *attestation.JWTVerifier
}

func TestJWTVerifierSuite(t *testing.T) {
	suite.Run(t, new(JWTVerifierSuite))
}

func (s *JWTVerifierSuite) SetupTest() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.pub, s.priv = pub, priv
	s.verifier = attestation.NewJWTVerifier(map[id.SourceID]ed25519.PublicKey{"indexer-a": pub})
}

func (s *JWTVerifierSuite) signed() *attestation.Attestation {
	att := &attestation.Attestation{
		SourceID:    "indexer-a",
		Chain:       "ethereum",
		AssetID:     "eth:0xabc/1",
		Owner:       "0xAlice",
		BlockHeight: 42,
		ObservedAt:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ChainProof:  []byte("merkle-branch"),
	}
	sig, err := attestation.SignAttestation(s.priv, att)
	s.Require().NoError(err)
	att.Signature = sig
	return att
}

func (s *JWTVerifierSuite) TestAcceptsValidSignature() {
	s.Require().NoError(s.verifier.Verify(context.Background(), s.signed()))
}

func (s *JWTVerifierSuite) TestOwnerComparisonIsNormalized() {
	att := s.signed()
	att.Owner = " 0xalice "
	s.NoError(s.verifier.Verify(context.Background(), att))
}

func (s *JWTVerifierSuite) TestRejectsTampering() {
	s.Run("owner changed", func() {
		att := s.signed()
		att.Owner = "0xMallory"
		s.Equal(attestation.ErrorInvalidSignature, attestation.CategoryOf(s.verifier.Verify(context.Background(), att)))
	})
	s.Run("proof changed", func() {
		att := s.signed()
		att.ChainProof = []byte("other-branch")
		s.Error(s.verifier.Verify(context.Background(), att))
	})
	s.Run("asset changed", func() {
		att := s.signed()
		att.AssetID = "eth:0xabc/2"
		s.Error(s.verifier.Verify(context.Background(), att))
	})
	s.Run("block height changed", func() {
		att := s.signed()
		att.BlockHeight = 43
		s.Error(s.verifier.Verify(context.Background(), att))
	})
	s.Run("signed by another key", func() {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		s.Require().NoError(err)
		att := s.signed()
		att.Signature, err = attestation.SignAttestation(other, att)
		s.Require().NoError(err)
		s.Error(s.verifier.Verify(context.Background(), att))
	})
}

func (s *JWTVerifierSuite) TestRejectsUnknownSourceAndUnsigned() {
	att := s.signed()
	att.SourceID = "indexer-b"
	s.Error(s.verifier.Verify(context.Background(), att))

	att = s.signed()
	att.Signature = ""
	s.Error(s.verifier.Verify(context.Background(), att))
}

func (s *JWTVerifierSuite) TestUnsignedSourcesSkipVerification() {
	v := attestation.NewJWTVerifier(
		map[id.SourceID]ed25519.PublicKey{"indexer-a": s.pub},
		attestation.WithUnsignedSources("indexer-b"),
	)

	s.NoError(v.Verify(context.Background(), s.signed()))

	unkeyed := &attestation.Attestation{SourceID: "indexer-b", AssetID: "eth:0xabc/1", Owner: "0xAlice"}
	s.NoError(v.Verify(context.Background(), unkeyed))

	forged := s.signed()
	forged.Owner = "0xMallory"
	s.Equal(attestation.ErrorInvalidSignature, attestation.CategoryOf(v.Verify(context.Background(), forged)),
		"keyed sources are still checked")

	stranger := &attestation.Attestation{SourceID: "indexer-c", AssetID: "eth:0xabc/1", Owner: "0xAlice"}
	s.Equal(attestation.ErrorInvalidSignature, attestation.CategoryOf(v.Verify(context.Background(), stranger)),
		"sources that were never listed need a key")

	v.SetKey("indexer-b", s.pub)
	s.Error(v.Verify(context.Background(), unkeyed), "an installed key takes over")
}

func (s *JWTVerifierSuite) TestKeyRotation() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.verifier.SetKey("indexer-a", pub)
	s.priv = priv
	s.NoError(s.verifier.Verify(context.Background(), s.signed()))
}

func (s *JWTVerifierSuite) TestVerifierFunc() {
	called := false
	v := attestation.VerifierFunc(func(context.Context, *attestation.Attestation) error {
		called = true
		return nil
	})
	s.NoError(v.Verify(context.Background(), &attestation.Attestation{}))
	s.True(called)
}
