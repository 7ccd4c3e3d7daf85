// Package feed connects the ownership log to Kafka: appended events are
// published for downstream consumers, and transfer reports from chain
// adapters are ingested into the log.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"collateraloracle/internal/history"
)

// DefaultEventsTopic carries every appended ownership event keyed by asset.
const DefaultEventsTopic = "ownership-events"

// AsyncPublisher is satisfied by producer.Producer.
type AsyncPublisher interface {
	PublishAsync(ctx context.Context, topic string, key, value []byte, onError func(error))
}

// PublishingStore forwards every successful append to Kafka. Publication is
// fire-and-forget: the log is the source of truth and a failed publish
// never fails the append.
type PublishingStore struct {
	history.Store
	publisher AsyncPublisher
	topic     string
	logger    *slog.Logger
}

type PublisherOption func(*PublishingStore)

func WithTopic(topic string) PublisherOption {
	return func(s *PublishingStore) {
		if topic != "" {
			s.topic = topic
		}
	}
}

func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(s *PublishingStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewPublishingStore(store history.Store, publisher AsyncPublisher, opts ...PublisherOption) *PublishingStore {
	s := &PublishingStore{
		Store:     store,
		publisher: publisher,
		topic:     DefaultEventsTopic,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PublishingStore) Append(ctx context.Context, evt history.OwnershipEvent, opts ...history.AppendOption) (history.OwnershipEvent, error) {
	stored, err := s.Store.Append(ctx, evt, opts...)
	if err != nil {
		return stored, err
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		s.logger.Error("encode event for publication", "event_id", stored.EventID, "error", err)
		return stored, nil
	}
	// the append is committed; publication must not inherit the caller's
	// cancellation
	s.publisher.PublishAsync(context.WithoutCancel(ctx), s.topic, []byte(stored.AssetID), payload, nil)
	return stored, nil
}
