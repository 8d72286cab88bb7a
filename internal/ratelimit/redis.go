package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/academico/internal/model"
	"github.com/redis/go-redis/v9"
)

// ErrContention は楽観ロックの再試行回数を使い切った場合に返される。
var ErrContention = errors.New("rate limit entry contention")

const redisMaxRetries = 5

// RedisStore はRedisを使用したレート制限ストア。
// WATCHによる楽観的トランザクションでキー単位の更新を直列化する。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type redisEntry struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// NewRedisStore はRedisStoreを生成する。ttlはエントリの保持期間で、最長のブロック時間より長くする。
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = memoryTTL
	}
	return &RedisStore{client: client, prefix: "academico:ratelimit:", ttl: ttl}
}

// Apply はキーのエントリにfnを適用する。競合した場合は再試行する。
func (s *RedisStore) Apply(ctx context.Context, key string, fn func(current *model.RateLimitEntry) *model.RateLimitEntry) error {
	rkey := s.prefix + key

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, rkey, key)
		if err != nil {
			return err
		}
		next := fn(cur)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, rkey)
				return nil
			}
			b, err := json.Marshal(redisEntry{
				Count:        next.Count,
				WindowStart:  next.WindowStart,
				Blocked:      next.Blocked,
				BlockedUntil: next.BlockedUntil,
			})
			if err != nil {
				return err
			}
			pipe.Set(ctx, rkey, b, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("failed to apply rate limit entry: %w", err)
	}
	return ErrContention
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, rkey, key string) (*model.RateLimitEntry, error) {
	raw, err := tx.Get(ctx, rkey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// 破損したエントリは存在しないものとして扱う
		return nil, nil
	}
	return &model.RateLimitEntry{
		Key:          key,
		Count:        e.Count,
		WindowStart:  e.WindowStart,
		Blocked:      e.Blocked,
		BlockedUntil: e.BlockedUntil,
	}, nil
}

// Delete はキーのエントリを削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// ErrRedisUnavailable はRedisに接続できなかった場合に返される。URLの形式エラーとは区別する。
var ErrRedisUnavailable = errors.New("redis is unavailable")

// NewRedisClient は接続URL（redis://、rediss://）またはhost:portからクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return client, nil
}
