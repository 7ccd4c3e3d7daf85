//go:build integration

package encumbrance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/encumbrance"
	"collateraloracle/pkg/testutil/containers"
)

type RedisLockerSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	ctx   context.Context
}

func TestRedisLockerSuite(t *testing.T) {
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	s.redis = containers.Redis(s.T())
	s.ctx = context.Background()
}

func (s *RedisLockerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisLockerSuite) locker(opts ...encumbrance.RedisLockerOption) *encumbrance.RedisLocker {
	l, err := encumbrance.NewRedisLocker(s.redis.Client, opts...)
	s.Require().NoError(err)
	return l
}

func (s *RedisLockerSuite) TestExclusiveAcrossLockers() {
	a := s.locker()
	b := s.locker()

	unlock, err := a.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "asset-1")
	s.ErrorIs(err, context.DeadlineExceeded)

	unlock()
	unlockB, err := b.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)
	unlockB()
}

func (s *RedisLockerSuite) TestLeaseExpires() {
	a := s.locker(encumbrance.WithLeaseTTL(100 * time.Millisecond))
	b := s.locker()

	_, err := a.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	unlock, err := b.Lock(ctx, "asset-1")
	s.Require().NoError(err)
	defer unlock()
}

func (s *RedisLockerSuite) TestStaleHolderCannotReleaseNewLease() {
	a := s.locker(encumbrance.WithLeaseTTL(100 * time.Millisecond))
	b := s.locker()

	staleUnlock, err := a.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)
	time.Sleep(200 * time.Millisecond)

	unlock, err := b.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)
	defer unlock()

	staleUnlock()
	exists, err := s.redis.Client.Exists(s.ctx, "oracle:encumbrance:lock:asset-1").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)
}

func (s *RedisLockerSuite) TestKeyPrefixIsolatesDeployments() {
	a := s.locker(encumbrance.WithKeyPrefix("staging:lock:"), encumbrance.WithRetryDelay(5*time.Millisecond))
	b := s.locker()

	unlockA, err := a.Lock(s.ctx, "asset-1")
	s.Require().NoError(err)
	defer unlockA()

	unlockB, err := b.Lock(s.ctx, "asset-1")
	s.Require().NoError(err, "different prefixes do not contend")
	unlockB()

	exists, err := s.redis.Client.Exists(s.ctx, "staging:lock:asset-1").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)
}
