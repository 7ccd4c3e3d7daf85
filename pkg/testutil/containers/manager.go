//go:build integration

// Package containers starts the backing services integration tests run
// against. Containers are started once per test binary and shared; Ryuk
// removes them when the process exits.
package containers

import (
	"sync"
	"testing"
)

var (
	redisOnce   sync.Once
	redisShared *RedisContainer
	pgOnce      sync.Once
	pgShared    *PostgresContainer
	kafkaOnce   sync.Once
	kafkaShared *RedpandaContainer
)

// Redis returns the shared Redis container, starting it on first use.
func Redis(t *testing.T) *RedisContainer {
	t.Helper()
	redisOnce.Do(func() { redisShared = NewRedisContainer(t) })
	if redisShared == nil {
		t.Fatal("redis container unavailable")
	}
	return redisShared
}

// Postgres returns the shared PostgreSQL container.
func Postgres(t *testing.T) *PostgresContainer {
	t.Helper()
	pgOnce.Do(func() { pgShared = NewPostgresContainer(t) })
	if pgShared == nil {
		t.Fatal("postgres container unavailable")
	}
	return pgShared
}

// Redpanda returns the shared Kafka-compatible broker.
func Redpanda(t *testing.T) *RedpandaContainer {
	t.Helper()
	kafkaOnce.Do(func() { kafkaShared = NewRedpandaContainer(t) })
	if kafkaShared == nil {
		t.Fatal("redpanda container unavailable")
	}
	return kafkaShared
}
