// Package consensus aggregates ownership attestations from independent
// sources into a single answer with a confidence level.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/consensus/metrics"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

// Normalizer maps a raw owner string to its comparison form for a chain.
type Normalizer func(chain id.ChainID, owner string) string

func defaultNormalizer(_ id.ChainID, owner string) string {
	return id.NormalizeOwner(owner)
}

// Engine fans a query out to every registered source and judges the votes.
type Engine struct {
	registry   *attestation.Registry
	verifier   attestation.Verifier
	breakers   *attestation.Breakers
	normalizer Normalizer
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithVerifier rejects attestations whose signature does not verify.
func WithVerifier(v attestation.Verifier) Option {
	return func(e *Engine) {
		e.verifier = v
	}
}

// WithBreakers skips sources whose breaker is open.
func WithBreakers(b *attestation.Breakers) Option {
	return func(e *Engine) {
		e.breakers = b
	}
}

func WithNormalizer(n Normalizer) Option {
	return func(e *Engine) {
		if n != nil {
			e.normalizer = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(registry *attestation.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("attestation registry is required")
	}
	e := &Engine{
		registry:   registry,
		normalizer: defaultNormalizer,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("collateraloracle/consensus"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	return e, nil
}

type outcome struct {
	source  attestation.Source
	att     *attestation.Attestation
	err     error
	latency time.Duration
}

// Query asks every source who owns assetID as of asOf.
//
// Reaching MinResponders alone does not end the gather. Query stops early
// only once the outcome would stay authoritative even if every outstanding
// source backed the runner-up; otherwise it waits for all sources or their
// timeouts. Sources still pending at an early exit are listed in
// AggregateResult.Pending.
//
// A below-threshold outcome returns the populated result together with a
// CodeConsensusBelowThreshold error. CodeNotFound is returned when every
// queried source reported the asset unknown. CodeUnavailable is returned
// when no source is registered or none produced a valid vote for any other
// reason.
func (e *Engine) Query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (AggregateResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "consensus.Query",
		trace.WithAttributes(
			attribute.String("asset_id", assetID.String()),
			attribute.String("as_of", asOf.String()),
		),
	)
	defer span.End()

	result, err := e.query(ctx, assetID, asOf)
	result.Duration = time.Since(start)

	outcomeLabel := "authoritative"
	switch {
	case err == nil:
	case IsBelowThreshold(err):
		outcomeLabel = "below_threshold"
	case dErrors.HasCode(err, dErrors.CodeCancelled):
		outcomeLabel = "cancelled"
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		outcomeLabel = "not_found"
	default:
		outcomeLabel = "unavailable"
	}
	if e.metrics != nil {
		e.metrics.ObserveQuery(outcomeLabel, start)
		if result.Responded > 0 {
			e.metrics.ObserveLevel(result.ConsensusLevel)
		}
	}
	span.SetAttributes(
		attribute.String("outcome", outcomeLabel),
		attribute.Float64("consensus_level", result.ConsensusLevel),
		attribute.Int("responded", result.Responded),
		attribute.Int("excluded", len(result.Excluded)),
		attribute.Bool("early_exit", result.EarlyExit),
	)
	if err != nil && !IsBelowThreshold(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeLabel)
	}
	return result, err
}

func (e *Engine) query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (AggregateResult, error) {
	result := AggregateResult{AssetID: assetID, AsOf: asOf.Resolve(e.now())}
	if err := ctx.Err(); err != nil {
		return result, dErrors.Cancelled(err)
	}

	sources := e.registry.All()
	result.Registered = len(sources)
	if len(sources) == 0 {
		return result, dErrors.New(dErrors.CodeUnavailable, "no attestation sources registered")
	}

	var allowed []attestation.Source
	for _, src := range sources {
		if e.breakers != nil && !e.breakers.Allow(src.ID()) {
			result.Excluded = append(result.Excluded, Exclusion{
				SourceID: src.ID(),
				Category: attestation.ErrorCircuitOpen,
				Reason:   "circuit breaker open",
			})
			continue
		}
		allowed = append(allowed, src)
	}
	result.Queried = len(allowed)
	if len(allowed) == 0 {
		return result, dErrors.New(dErrors.CodeUnavailable, "every attestation source is circuit-broken").
			WithDetail("excluded", len(result.Excluded))
	}

	gatherCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(allowed))
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	for _, src := range allowed {
		go func() {
			if err := sem.Acquire(gatherCtx, 1); err != nil {
				results <- outcome{source: src, err: err}
				return
			}
			defer sem.Release(1)
			results <- e.call(gatherCtx, src, assetID, asOf)
		}()
	}

	answered := make(map[id.SourceID]struct{}, len(allowed))
	for len(answered) < len(allowed) {
		var o outcome
		select {
		case <-ctx.Done():
			return result, dErrors.Cancelled(ctx.Err())
		case o = <-results:
		}
		answered[o.source.ID()] = struct{}{}
		e.collect(ctx, &result, o, assetID)

		outstanding := len(allowed) - len(answered)
		if outstanding > 0 && settled(tally(result.Votes), len(result.Votes), outstanding, e.cfg) {
			result.EarlyExit = true
			for _, src := range allowed {
				if _, ok := answered[src.ID()]; !ok {
					result.Pending = append(result.Pending, src.ID())
				}
			}
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return result, dErrors.Cancelled(err)
	}

	result.Responded = len(result.Votes)
	result.Groups = tally(result.Votes)
	if result.Responded == 0 {
		if unknownEverywhere(result.Excluded) {
			return result, dErrors.New(dErrors.CodeNotFound, "no attestation source knows the asset").
				WithDetail("excluded", len(result.Excluded))
		}
		return result, dErrors.New(dErrors.CodeUnavailable, "no attestation source produced a valid vote").
			WithDetail("excluded", len(result.Excluded))
	}

	j := judge(result.Groups, result.Responded, e.cfg)
	result.Owner = j.owner
	result.ConsensusLevel = j.level
	result.Authoritative = j.authoritative
	result.Reason = j.reason

	if !j.authoritative {
		e.logger.WarnContext(ctx, "consensus below threshold",
			"asset_id", assetID,
			"as_of", asOf.String(),
			"level", j.level,
			"responded", result.Responded,
			"reason", j.reason,
		)
		return result, dErrors.New(dErrors.CodeConsensusBelowThreshold, j.reason).
			WithDetail("consensus_level", j.level).
			WithDetail("quorum_threshold", e.cfg.QuorumThreshold).
			WithDetail("responded", result.Responded)
	}
	return result, nil
}

// unknownEverywhere reports whether every source was asked and none had a
// record of the asset.
func unknownEverywhere(excluded []Exclusion) bool {
	if len(excluded) == 0 {
		return false
	}
	for _, ex := range excluded {
		if ex.Category != attestation.ErrorNotFound {
			return false
		}
	}
	return true
}

// call runs one source under its own timeout. The source runs in its own
// goroutine so a source that ignores its context cannot hold the query.
func (e *Engine) call(ctx context.Context, src attestation.Source, assetID id.AssetID, asOf id.AsOf) outcome {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
	defer cancel()
	callCtx, span := e.tracer.Start(callCtx, "consensus.Source",
		trace.WithAttributes(attribute.String("source_id", src.ID().String())))
	defer span.End()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		att, err := src.GetAttestation(callCtx, assetID, asOf)
		done <- outcome{source: src, att: att, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o = outcome{source: src, err: callCtx.Err()}
	}
	o.latency = time.Since(start)
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, string(attestation.CategoryOf(o.err)))
	}
	return o
}

// collect turns an outcome into a vote or an exclusion.
func (e *Engine) collect(ctx context.Context, result *AggregateResult, o outcome, assetID id.AssetID) {
	sid := o.source.ID()
	if e.metrics != nil {
		e.metrics.ObserveSource(sid.String(), o.latency)
	}

	err := o.err
	if err == nil {
		err = e.validate(ctx, o.source, o.att, assetID)
	}
	if err != nil {
		se := attestation.Classify(sid, err)
		result.Excluded = append(result.Excluded, Exclusion{SourceID: sid, Category: se.Category, Reason: se.Error()})
		if se.Category != attestation.ErrorCancelled {
			e.logger.WarnContext(ctx, "attestation source excluded",
				"asset_id", assetID,
				"source_id", sid,
				"category", se.Category,
				"error", err,
			)
		}
		if e.metrics != nil {
			e.metrics.IncrementSourceFailure(sid.String(), string(se.Category))
		}
		e.recordBreaker(sid, se)
		return
	}

	e.recordBreaker(sid, nil)
	att := o.att.Clone()
	result.Attestations = append(result.Attestations, att)
	result.Votes = append(result.Votes, Vote{
		SourceID:    sid,
		Chain:       o.source.Chain(),
		Owner:       e.normalizer(o.source.Chain(), att.Owner),
		RawOwner:    att.Owner,
		BlockHeight: att.BlockHeight,
		ObservedAt:  att.ObservedAt,
		Latency:     o.latency,
	})
}

func (e *Engine) validate(ctx context.Context, src attestation.Source, att *attestation.Attestation, assetID id.AssetID) error {
	sid := src.ID()
	switch {
	case att == nil:
		return attestation.NewSourceError(attestation.ErrorBadData, sid, "empty attestation", nil)
	case att.AssetID != assetID:
		return attestation.NewSourceError(attestation.ErrorAssetMismatch, sid,
			fmt.Sprintf("attested %s, asked %s", att.AssetID, assetID), nil)
	case att.SourceID != "" && att.SourceID != sid:
		return attestation.NewSourceError(attestation.ErrorBadData, sid, "attestation names another source", nil)
	case e.normalizer(src.Chain(), att.Owner) == "":
		return attestation.NewSourceError(attestation.ErrorBadData, sid, "attestation has no owner", nil)
	}
	if e.verifier != nil {
		if err := e.verifier.Verify(ctx, att); err != nil {
			if attestation.CategoryOf(err) == attestation.ErrorInternal {
				return attestation.NewSourceError(attestation.ErrorInvalidSignature, sid, "verification failed", err)
			}
			return err
		}
	}
	return nil
}

func (e *Engine) recordBreaker(sid id.SourceID, err error) {
	if e.breakers == nil {
		return
	}
	if change := e.breakers.Record(sid, err); change.Opened {
		e.logger.Warn("attestation source circuit opened", "source_id", sid)
		if e.metrics != nil {
			e.metrics.IncrementBreakerOpened(sid.String())
		}
	}
}
