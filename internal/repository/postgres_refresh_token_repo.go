package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/usercore/internal/model"
)

// PostgresRefreshTokenRepo はrefresh_tokensテーブルを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Create はリフレッシュトークンのハッシュを保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	return insertRefreshToken(ctx, r.db, token)
}

func insertRefreshToken(ctx context.Context, exec Executor, token *model.RefreshToken) error {
	_, err := exec.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		token.TokenHash, token.UserID, dbTime(token.ExpiresAt), dbTime(token.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの保存に失敗しました: %w", err)
	}
	return nil
}

// Rotate は旧トークンを消費済みにし、同一ユーザーの新トークンを保存する。
// 消費は条件付きUPDATEで行うため、同じトークンでの並行リクエストは1つだけが成功する。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldHash string, next *model.RefreshToken, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET used_at = $2, replaced_by = $3
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		 RETURNING user_id`,
		oldHash, dbTime(now), next.TokenHash,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		if err := r.revokeOnReuse(ctx, oldHash); err != nil {
			return 0, err
		}
		return 0, ErrInvalidRefreshToken
	}
	if err != nil {
		return 0, fmt.Errorf("リフレッシュトークンの消費に失敗しました: %w", err)
	}

	next.UserID = userID
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return userID, nil
}

// revokeOnReuse は使用済みトークンが再提示された場合に、そのユーザーの全トークンを削除する。
// 漏洩したトークンでのローテーション継続を防ぐ。
func (r *PostgresRefreshTokenRepo) revokeOnReuse(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens
		 WHERE user_id = (SELECT user_id FROM refresh_tokens WHERE token_hash = $1 AND used_at IS NOT NULL)`,
		hash,
	)
	if err != nil {
		return fmt.Errorf("再利用されたリフレッシュトークンの破棄に失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserID はユーザーの全リフレッシュトークンを削除する。
func (r *PostgresRefreshTokenRepo) DeleteByUserID(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
