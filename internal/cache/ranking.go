package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

const rankingKey = "meister:ranking"

// RankingCache maintains the live score sorted set in Redis. It mirrors the
// SUCCESS slice of the durable store: scores are added on every successful
// refresh and dropped when a login error is recorded.
type RankingCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRankingCache creates a new Redis ranking cache
func NewRankingCache(cfg *config.RedisConfig, logger *slog.Logger) (*RankingCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RankingCache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *RankingCache) Close() error {
	return c.client.Close()
}

// SetScore records a student's score in the ranking set
func (c *RankingCache) SetScore(ctx context.Context, studentID string, score float64) error {
	err := c.client.ZAdd(ctx, rankingKey, redis.Z{
		Score:  score,
		Member: studentID,
	}).Err()
	if err != nil {
		return fmt.Errorf("setting score: %w", err)
	}
	return nil
}

// Remove drops a student from the ranking set
func (c *RankingCache) Remove(ctx context.Context, studentID string) error {
	if err := c.client.ZRem(ctx, rankingKey, studentID).Err(); err != nil {
		return fmt.Errorf("removing student: %w", err)
	}
	return nil
}

// TopN returns the highest-scoring students, best first
func (c *RankingCache) TopN(ctx context.Context, n int) ([]domain.CachedScore, error) {
	results, err := c.client.ZRevRangeWithScores(ctx, rankingKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}

	entries := make([]domain.CachedScore, 0, len(results))
	for i, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, domain.CachedScore{
			StudentID: member,
			Score:     z.Score,
			Rank:      int64(i + 1),
		})
	}
	return entries, nil
}

// Rank returns a student's 1-based position in the ranking set
func (c *RankingCache) Rank(ctx context.Context, studentID string) (int64, error) {
	rank, err := c.client.ZRevRank(ctx, rankingKey, studentID).Result()
	if err == redis.Nil {
		return 0, domain.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("getting rank: %w", err)
	}
	return rank + 1, nil
}

// Rebuild replaces the ranking set with the given scores. Used on startup
// to recover the cache from the durable store.
func (c *RankingCache) Rebuild(ctx context.Context, scores map[string]float64) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, rankingKey)
	for studentID, score := range scores {
		pipe.ZAdd(ctx, rankingKey, redis.Z{Score: score, Member: studentID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding ranking cache: %w", err)
	}
	c.logger.Info("ranking cache rebuilt", "entries", len(scores))
	return nil
}
