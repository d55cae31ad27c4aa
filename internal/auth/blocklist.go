package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Blocklist answers "has this token been revoked". Implementations must be
// O(1) per lookup and fail open: an unreachable store never rejects traffic.
type Blocklist interface {
	Revoked(ctx context.Context, rawToken string, claims *Claims) bool
}

// RedisBlocklist checks token revocation against a Redis keyspace. Entries
// are keyed by jti when the token carries one, otherwise by the SHA-256 of
// the raw token.
type RedisBlocklist struct {
	rdb       *redis.Client
	keyPrefix string
	log       *slog.Logger
	onError   func() // store-failure counter hook
}

func NewRedisBlocklist(rdb *redis.Client, keyPrefix string, log *slog.Logger, onError func()) *RedisBlocklist {
	return &RedisBlocklist{rdb: rdb, keyPrefix: keyPrefix, log: log, onError: onError}
}

func (b *RedisBlocklist) Revoked(ctx context.Context, rawToken string, claims *Claims) bool {
	id := claims.TokenID
	if id == "" {
		sum := sha256.Sum256([]byte(rawToken))
		id = hex.EncodeToString(sum[:])
	}

	n, err := b.rdb.Exists(ctx, b.keyPrefix+id).Result()
	if err != nil {
		// Fail open: availability beats revocation latency here. The warn
		// and counter exist so the rate of blind-spots is observable.
		if b.log != nil {
			b.log.Warn("blocklist store unreachable; failing open", slog.String("error", err.Error()))
		}
		if b.onError != nil {
			b.onError()
		}
		return false
	}
	return n > 0
}
