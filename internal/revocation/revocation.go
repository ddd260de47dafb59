// Package revocation はログアウト済みアクセストークンの失効リストを提供する。
// トークン本体ではなくSHA-256のフィンガープリントだけを保持する。
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// バックエンド名
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Cache はトークンの失効状態を保持する。並行アクセスに安全であること。
type Cache interface {
	// Revoke はtokenをttlの間失効扱いにする。ttlが0以下の場合は何もしない。
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	// IsRevoked はtokenが失効中かを返す。
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Fingerprint はトークンのSHA-256を16進文字列で返す。
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// New はバックエンド名に対応するCacheを生成する。
// postgresの場合はstoreが必要。memoryの場合は呼び出し元が停止関数を呼ぶこと。
func New(backend string, store Store, logger *slog.Logger) (Cache, func(), error) {
	switch backend {
	case BackendMemory:
		c := NewMemoryCache(time.Minute)
		logger.Info("失効キャッシュにメモリを使用します。複数レプリカ間では共有されません")
		return c, c.Stop, nil
	case BackendPostgres, "":
		if store == nil {
			return nil, nil, fmt.Errorf("revocation backend %q requires a store", BackendPostgres)
		}
		return NewPostgresCache(store), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown revocation backend: %q", backend)
	}
}
