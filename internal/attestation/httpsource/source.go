// Package httpsource adapts a chain indexer that exposes ownership over HTTP
// to the attestation.Source capability.
//
// The indexer is expected to serve
//
//	GET {base}/assets/{asset_id}/owner[?as_of=RFC3339]
//
// and answer with the JSON document decoded by parseAttestationResponse.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"collateraloracle/internal/attestation"
	id "collateraloracle/pkg/domain"
)

const maxBody = 1 << 20

type Source struct {
	id      id.SourceID
	chain   id.ChainID
	baseURL string
	apiKey  string
	http    *http.Client
	now     func() time.Time
}

type Option func(*Source)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			s.http = c
		}
	}
}

func WithAPIKey(key string) Option {
	return func(s *Source) {
		s.apiKey = key
	}
}

func New(sourceID id.SourceID, chain id.ChainID, baseURL string, opts ...Option) (*Source, error) {
	if sourceID.IsZero() {
		return nil, errors.New("source ID is required")
	}
	if chain.IsZero() {
		return nil, errors.New("chain is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL for source %s: %w", sourceID, err)
	}
	s := &Source{
		id:      sourceID,
		chain:   chain,
		baseURL: baseURL,
		http:    &http.Client{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) ID() id.SourceID   { return s.id }
func (s *Source) Chain() id.ChainID { return s.chain }

func (s *Source) GetAttestation(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (*attestation.Attestation, error) {
	endpoint := fmt.Sprintf("%s/assets/%s/owner", s.baseURL, url.PathEscape(assetID.String()))
	if t, pinned := asOf.Time(); pinned {
		endpoint += "?as_of=" + url.QueryEscape(t.Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, attestation.NewSourceError(attestation.ErrorInternal, s.id, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, attestation.Classify(s.id, ctx.Err())
		}
		return nil, attestation.NewSourceError(attestation.ErrorSourceOutage, s.id, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, attestation.NewSourceError(attestation.ErrorSourceOutage, s.id, "read response", err)
	}
	att, err := parseAttestationResponse(s.id, resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	att.SourceID = s.id
	att.Chain = s.chain
	att.RespondedAt = s.now().UTC()
	if att.AssetID.IsZero() {
		att.AssetID = assetID
	}
	return att, nil
}

type ownerResponse struct {
	AssetID     string    `json:"asset_id"`
	Owner       string    `json:"owner"`
	BlockHeight uint64    `json:"block_height"`
	ObservedAt  time.Time `json:"observed_at"`
	ChainProof  []byte    `json:"chain_proof"`
	Signature   string    `json:"signature"`
}

func parseAttestationResponse(sourceID id.SourceID, status int, body []byte) (*attestation.Attestation, error) {
	switch {
	case status == http.StatusNotFound:
		return nil, attestation.NewSourceError(attestation.ErrorNotFound, sourceID, "asset unknown to source", nil)
	case status == http.StatusTooManyRequests:
		return nil, attestation.NewSourceError(attestation.ErrorRateLimited, sourceID, "rate limited", nil)
	case status >= 500:
		return nil, attestation.NewSourceError(attestation.ErrorSourceOutage, sourceID, fmt.Sprintf("source returned %d", status), nil)
	case status != http.StatusOK:
		return nil, attestation.NewSourceError(attestation.ErrorBadData, sourceID, fmt.Sprintf("unexpected status %d", status), nil)
	}

	var out ownerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, attestation.NewSourceError(attestation.ErrorBadData, sourceID, "decode response", err)
	}
	if out.Owner == "" {
		return nil, attestation.NewSourceError(attestation.ErrorBadData, sourceID, "response has no owner", nil)
	}
	return &attestation.Attestation{
		AssetID:     id.AssetID(out.AssetID),
		Owner:       out.Owner,
		BlockHeight: out.BlockHeight,
		ObservedAt:  out.ObservedAt.UTC(),
		ChainProof:  out.ChainProof,
		Signature:   out.Signature,
	}, nil
}
