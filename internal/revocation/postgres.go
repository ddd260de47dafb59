package revocation

import (
	"context"
	"time"
)

// Store はフィンガープリントを永続化する。repository.RevokedTokenRepositoryが満たす。
type Store interface {
	Revoke(ctx context.Context, fingerprint string, expiresAt, now time.Time) error
	IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error)
}

// PostgresCache はrevoked_tokensテーブルを使う失効リスト。全レプリカで共有される。
type PostgresCache struct {
	store Store
	now   func() time.Time
}

// NewPostgresCache はPostgresCacheを生成する。
func NewPostgresCache(store Store) *PostgresCache {
	return &PostgresCache{store: store, now: time.Now}
}

// Revoke はtokenをttlの間失効扱いにする。
func (c *PostgresCache) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	return c.store.Revoke(ctx, Fingerprint(token), now.Add(ttl), now)
}

// IsRevoked はtokenが失効中かを返す。
func (c *PostgresCache) IsRevoked(ctx context.Context, token string) (bool, error) {
	return c.store.IsRevoked(ctx, Fingerprint(token), c.now())
}

var _ Cache = (*PostgresCache)(nil)
