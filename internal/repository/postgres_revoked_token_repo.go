package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRevokedTokenRepo はrevoked_tokensテーブルを使用した失効トークンリポジトリ。
// 期限切れの行は参照時に無視し、削除はcleanupジョブが行う。
type PostgresRevokedTokenRepo struct {
	db *sql.DB
}

// NewPostgresRevokedTokenRepo はPostgresRevokedTokenRepoを生成する。
func NewPostgresRevokedTokenRepo(db *sql.DB) *PostgresRevokedTokenRepo {
	return &PostgresRevokedTokenRepo{db: db}
}

// Revoke はフィンガープリントを失効登録する。
func (r *PostgresRevokedTokenRepo) Revoke(ctx context.Context, fingerprint string, expiresAt, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (fingerprint, expires_at, revoked_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET expires_at = GREATEST(revoked_tokens.expires_at, EXCLUDED.expires_at)`,
		fingerprint, ceilSecond(expiresAt), dbTime(now),
	)
	if err != nil {
		return fmt.Errorf("トークンの失効登録に失敗しました: %w", err)
	}
	return nil
}

// IsRevoked は指定時刻において失効中かを返す。
func (r *PostgresRevokedTokenRepo) IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE fingerprint = $1 AND expires_at > $2)`,
		fingerprint, now.UTC(),
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("失効状態の確認に失敗しました: %w", err)
	}
	return revoked, nil
}

// compile-time interface check
var _ RevokedTokenRepository = (*PostgresRevokedTokenRepo)(nil)
