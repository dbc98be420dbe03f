package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenStore keeps tokens in Redis as JSON under {prefix}:token:{key}.
// Each key expires together with the token it holds.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTokenStore creates a store. An empty prefix defaults to "ehrsync".
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "ehrsync"
	}
	return &RedisTokenStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisTokenStore) redisKey(key string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, key)
}

func (r *RedisTokenStore) Put(ctx context.Context, key string, tok *TokenInfo) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	ttl := tok.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		// already expired; nothing worth keeping
		return r.Delete(ctx, key)
	}
	if err := r.client.Set(ctx, r.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set token in redis: %w", err)
	}
	return nil
}

func (r *RedisTokenStore) Get(ctx context.Context, key string) (*TokenInfo, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token from redis: %w", err)
	}
	var tok TokenInfo
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &tok, nil
}

func (r *RedisTokenStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete token from redis: %w", err)
	}
	return nil
}

func (r *RedisTokenStore) List(ctx context.Context) (map[string]*TokenInfo, error) {
	out := make(map[string]*TokenInfo)
	keyPrefix := r.redisKey("")
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		key := strings.TrimPrefix(full, keyPrefix)
		tok, err := r.Get(ctx, key)
		if errors.Is(err, ErrTokenNotFound) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = tok
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tokens: %w", err)
	}
	return out, nil
}
