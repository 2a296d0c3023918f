//go:build integration

package bucket_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"activitylog/internal/ratelimit/models"
	"activitylog/internal/ratelimit/store/bucket"
	"activitylog/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *bucket.RedisBucketStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = bucket.NewRedis(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

// TestConcurrentAllow verifies that the script admits exactly limit requests
// when many callers race on one key.
func (s *RedisStoreSuite) TestConcurrentAllow() {
	ctx := context.Background()
	key := models.NewRateLimitKey(models.ScopeIP, "10.0.0.1")
	const limit = 25

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range 80 {
		wg.Go(func() {
			res, err := s.store.Allow(ctx, key, limit, time.Minute)
			s.Require().NoError(err)
			if res.Allowed {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(int32(limit), allowed.Load())
	count, err := s.store.GetCurrentCount(ctx, key, time.Minute)
	s.Require().NoError(err)
	s.Equal(limit, count)
}

func (s *RedisStoreSuite) TestDeniedCarriesRetryAfter() {
	ctx := context.Background()
	key := models.NewRateLimitKey(models.ScopeIngestionKey, "lk_test")

	for range 3 {
		res, err := s.store.Allow(ctx, key, 3, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
	}
	res, err := s.store.Allow(ctx, key, 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(0, res.Remaining)
	s.GreaterOrEqual(res.RetryAfter, 1)
	s.LessOrEqual(res.RetryAfter, 60)
}

func (s *RedisStoreSuite) TestWindowSlides() {
	ctx := context.Background()
	now := time.Now()
	store := bucket.NewRedis(s.redis.Client, bucket.WithRedisClock(func() time.Time { return now }))
	key := models.NewRateLimitKey(models.ScopeIP, "10.0.0.2")

	for range 2 {
		_, err := store.Allow(ctx, key, 2, time.Minute)
		s.Require().NoError(err)
	}
	res, err := store.Allow(ctx, key, 2, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)

	now = now.Add(61 * time.Second)
	res, err = store.Allow(ctx, key, 2, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
}

func (s *RedisStoreSuite) TestReset() {
	ctx := context.Background()
	key := models.NewRateLimitKey(models.ScopeIP, "10.0.0.3")
	_, err := s.store.AllowN(ctx, key, 5, 5, time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Reset(ctx, key))

	res, err := s.store.Allow(ctx, key, 5, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
}
