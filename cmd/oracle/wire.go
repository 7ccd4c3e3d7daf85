package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/twmb/franz-go/pkg/kgo"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/attestation/httpsource"
	"collateraloracle/internal/consensus"
	consensusmetrics "collateraloracle/internal/consensus/metrics"
	"collateraloracle/internal/dispute"
	"collateraloracle/internal/encumbrance"
	encumbrancemetrics "collateraloracle/internal/encumbrance/metrics"
	"collateraloracle/internal/history"
	"collateraloracle/internal/history/feed"
	historymetrics "collateraloracle/internal/history/metrics"
	"collateraloracle/internal/oracle"
	oraclemetrics "collateraloracle/internal/oracle/metrics"
	"collateraloracle/internal/ownership"
	"collateraloracle/internal/platform/config"
	"collateraloracle/internal/platform/kafka"
	"collateraloracle/internal/platform/kafka/consumer"
	"collateraloracle/internal/platform/kafka/producer"
	platformmetrics "collateraloracle/internal/platform/metrics"
	platformredis "collateraloracle/internal/platform/redis"
	"collateraloracle/internal/timetravel"
	httptransport "collateraloracle/internal/transport/http"
	"collateraloracle/pkg/platform/circuit"
	id "collateraloracle/pkg/domain"
)

// app holds every wired component of a running oracle.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *platformmetrics.Metrics
	store    history.Store
	tracker  *encumbrance.Tracker
	gateway  *oracle.Gateway
	ingest   *consumer.Consumer
	producer *producer.Producer
	checks   map[string]httptransport.Check
	closers  []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openStore opens the configured history backend. The returned check pings
// it for /healthz.
func openStore(ctx context.Context, cfg config.History) (history.Store, func() error, httptransport.Check, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		store, err := history.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		check := func(ctx context.Context) error {
			_, err := store.Head(ctx, "healthz")
			return err
		}
		return store, store.Close, check, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := history.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return store, db.Close, db.PingContext, nil

	default:
		return history.NewMemoryStore(), func() error { return nil }, nil, nil
	}
}

func buildSources(cfg []config.Source) ([]attestation.Source, map[id.SourceID]ed25519.PublicKey, error) {
	sources := make([]attestation.Source, 0, len(cfg))
	keys := make(map[id.SourceID]ed25519.PublicKey)
	for _, sc := range cfg {
		src, err := httpsource.New(id.SourceID(sc.ID), id.ChainID(sc.Chain), sc.URL, httpsource.WithAPIKey(sc.APIKey))
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
		if sc.PublicKey == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(sc.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("source %s: public key must be a base64 Ed25519 key", sc.ID)
		}
		keys[id.SourceID(sc.ID)] = ed25519.PublicKey(raw)
	}
	return sources, keys, nil
}

// buildVerifier returns nil when no source is keyed. Configured sources
// without a key stay in the vote unverified.
func buildVerifier(cfg []config.Source, keys map[id.SourceID]ed25519.PublicKey) attestation.Verifier {
	if len(keys) == 0 {
		return nil
	}
	var unsigned []id.SourceID
	for _, sc := range cfg {
		if _, ok := keys[id.SourceID(sc.ID)]; !ok {
			unsigned = append(unsigned, id.SourceID(sc.ID))
		}
	}
	return attestation.NewJWTVerifier(keys, attestation.WithUnsignedSources(unsigned...))
}

func buildKeyring(cfg config.Evidence) (*timetravel.Keyring, error) {
	if len(cfg.Keys) == 0 {
		return nil, nil
	}
	keys := make(map[string][]byte, len(cfg.Keys))
	for kid, secret := range cfg.Keys {
		keys[kid] = []byte(secret)
	}
	return timetravel.NewKeyring(keys, cfg.ActiveKey)
}

// build wires the full service. On error everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: platformmetrics.New(version),
		checks:  make(map[string]httptransport.Check),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	reg := a.metrics.Registry

	base, closeStore, storeCheck, err := openStore(ctx, cfg.History)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)
	if storeCheck != nil {
		a.checks["history"] = storeCheck
	}
	var store history.Store = history.Instrument(base, historymetrics.New(reg))

	if cfg.Kafka.Enabled() {
		client, err := kafka.NewClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		if err := kafka.EnsureTopics(ctx, client,
			kafka.Topic{Name: cfg.Kafka.EventsTopic},
			kafka.Topic{Name: cfg.Kafka.TransfersTopic},
		); err != nil {
			return nil, err
		}
		a.producer = producer.New(client, producer.WithLogger(logger))
		a.checks["kafka"] = client.Ping
		store = feed.NewPublishingStore(store, a.producer,
			feed.WithTopic(cfg.Kafka.EventsTopic),
			feed.WithPublisherLogger(logger),
		)
	}
	a.store = store

	sources, keys, err := buildSources(cfg.Sources)
	if err != nil {
		return nil, err
	}
	registry, err := attestation.NewRegistry(sources...)
	if err != nil {
		return nil, err
	}
	breakers := attestation.NewBreakers(
		circuit.WithFailureThreshold(cfg.Consensus.BreakerFailures),
		circuit.WithCooldown(cfg.Consensus.BreakerCooldown),
	)
	engineOpts := []consensus.Option{
		consensus.WithConfig(consensus.Config{
			QuorumThreshold: cfg.Consensus.QuorumThreshold,
			SourceTimeout:   cfg.Consensus.SourceTimeout,
			MinResponders:   cfg.Consensus.MinResponders,
			TieBand:         cfg.Consensus.TieBand,
			MaxParallel:     cfg.Consensus.MaxParallel,
		}),
		consensus.WithBreakers(breakers),
		consensus.WithLogger(logger),
		consensus.WithMetrics(consensusmetrics.New(reg)),
	}
	verifier := buildVerifier(cfg.Sources, keys)
	if verifier != nil {
		engineOpts = append(engineOpts, consensus.WithVerifier(verifier))
	}
	engine, err := consensus.New(registry, engineOpts...)
	if err != nil {
		return nil, err
	}

	keyring, err := buildKeyring(cfg.Evidence)
	if err != nil {
		return nil, err
	}
	if keyring == nil {
		logger.Warn("no evidence keys configured; evidence will be digested but not sealed")
	}
	timeline, err := timetravel.New(store,
		timetravel.WithLogger(logger),
		timetravel.WithAttestor(engine),
		timetravel.WithKeyring(keyring),
		timetravel.WithSnapshotParallelism(cfg.Evidence.SnapshotParallelism),
	)
	if err != nil {
		return nil, err
	}

	disputeOpts := []dispute.Option{
		dispute.WithLogger(logger),
		dispute.WithClaimEpsilon(cfg.Consensus.ClaimEpsilon),
	}
	if verifier != nil {
		disputeOpts = append(disputeOpts, dispute.WithVerifier(verifier))
	}
	resolver, err := dispute.New(engine, timeline, store, disputeOpts...)
	if err != nil {
		return nil, err
	}
	owners, err := ownership.New(engine, timeline, store,
		ownership.WithLogger(logger),
		ownership.WithDisputeFlagger(resolver),
	)
	if err != nil {
		return nil, err
	}

	locker, err := a.buildLocker(ctx)
	if err != nil {
		return nil, err
	}
	a.tracker, err = encumbrance.New(store, locker, owners,
		encumbrance.WithLogger(logger),
		encumbrance.WithMetrics(encumbrancemetrics.New(reg)),
		encumbrance.WithMaturityInterval(cfg.Encumbrance.MaturityInterval),
	)
	if err != nil {
		return nil, err
	}

	a.gateway, err = oracle.New(owners, timeline, a.tracker, resolver,
		oracle.WithLogger(logger),
		oracle.WithMetrics(oraclemetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Kafka.Enabled() {
		if err := a.buildIngest(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildLocker(ctx context.Context) (encumbrance.Locker, error) {
	if a.cfg.Encumbrance.Locker != config.LockerRedis {
		return encumbrance.NewMemoryLocker(), nil
	}
	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.checks["redis"] = client.Health
	return encumbrance.NewRedisLocker(client.Client, encumbrance.WithLeaseTTL(a.cfg.Encumbrance.LeaseTTL))
}

func (a *app) buildIngest() error {
	kc := a.cfg.Kafka
	client, err := kafka.NewClient(kc.Brokers, kc.ClientID+"-ingest",
		kgo.ConsumerGroup(kc.ConsumerGroup),
		kgo.ConsumeTopics(kc.TransfersTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { client.Close(); return nil })
	ingestor, err := feed.NewIngestor(a.store, feed.WithIngestorLogger(a.logger))
	if err != nil {
		return err
	}
	a.ingest, err = consumer.New(client, ingestor, consumer.WithLogger(a.logger))
	return err
}
