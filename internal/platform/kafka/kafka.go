// Package kafka holds the shared franz-go client setup and topic bootstrap.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic describes a topic the service expects to exist.
type Topic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// NewClient builds a franz-go client for the given brokers. Extra options
// are appended after the defaults.
func NewClient(brokers []string, clientID string, opts ...kgo.Opt) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopics creates missing topics. Topics that already exist are left
// untouched.
func EnsureTopics(ctx context.Context, client *kgo.Client, topics ...Topic) error {
	adm := kadm.NewClient(client)
	for _, t := range topics {
		partitions, replicas := t.Partitions, t.ReplicationFactor
		if partitions <= 0 {
			partitions = 1
		}
		if replicas <= 0 {
			replicas = 1
		}
		resp, err := adm.CreateTopic(ctx, partitions, replicas, nil, t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Name, resp.Err)
		}
	}
	return nil
}
