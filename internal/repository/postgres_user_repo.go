package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/usercore/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const userColumns = `id, email, password, name, roles, is_active, is_verified,
	verification_token, email_verified_at, reset_password_token, reset_password_token_expires_at,
	last_login_at, last_login_ip, login_count, created_at, updated_at, deleted_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, "id = $1", id)
}

// FindByEmail はメールアドレスを正規化し、大文字小文字を無視して検索する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, "LOWER(email) = $1", model.NormalizeEmail(email))
}

// FindByVerificationToken はメール確認トークンでユーザーを検索する。
func (r *PostgresUserRepo) FindByVerificationToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}
	return r.findOne(ctx, "verification_token = $1", token)
}

// FindByResetPasswordToken はパスワードリセットトークンでユーザーを検索する。
func (r *PostgresUserRepo) FindByResetPasswordToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}
	return r.findOne(ctx, "reset_password_token = $1", token)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, where string, arg any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where, arg,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// CreateWithEvent はユーザーを作成し、同一トランザクションでイベントをエンキューする。
// どちらかが失敗した場合は両方ともロールバックされる。
func (r *PostgresUserRepo) CreateWithEvent(ctx context.Context, user *model.User, build EventBuilder) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	roles, err := encodeRoles(user.Roles)
	if err != nil {
		return err
	}

	user.Email = model.NormalizeEmail(user.Email)
	user.CreatedAt = dbTime(user.CreatedAt)

	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (email, password, name, roles, is_active, is_verified,
		     verification_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		user.Email, user.PasswordHash, nullableName(user.Name), roles, user.IsActive, user.IsVerified,
		nullString(user.VerificationToken), user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if err := enqueueEvent(ctx, tx, user, build); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordLogin はlast_login_at・last_login_ip・login_countのみを更新する。
// 他の列には触れないため、並行するパスワードリセットや退会を上書きしない。
func (r *PostgresUserRepo) RecordLogin(ctx context.Context, id int64, ip string, now time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE users SET
		    last_login_at = $2,
		    last_login_ip = COALESCE($3, last_login_ip),
		    login_count = login_count + 1,
		    updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL AND is_active
		 RETURNING login_count`,
		id, dbTime(now), nullableName(ip),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrUserUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record login: %w", err)
	}
	return count, nil
}

// ModifyWithEvent はSELECT ... FOR UPDATEで行を確保してから変更を適用する。
// 同じ行を更新する他のトランザクションはコミットまで待たされ、最新の状態に対してapplyが評価される。
func (r *PostgresUserRepo) ModifyWithEvent(ctx context.Context, id int64, apply func(*model.User) error, build EventBuilder) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id,
	))
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーのロックに失敗しました: %w", err)
	}

	if err := apply(user); err != nil {
		return nil, err
	}
	if err := updateUser(ctx, tx, user); err != nil {
		return nil, err
	}
	if err := enqueueEvent(ctx, tx, user, build); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return user, nil
}

// Export は全ユーザーをID昇順で遅延的に列挙する。
// 呼び出すたびに再クエリするため再開可能で、前方向のみ走査する。
func (r *PostgresUserRepo) Export(ctx context.Context, includeDeleted bool) iter.Seq2[*model.User, error] {
	return func(yield func(*model.User, error) bool) {
		query := `SELECT ` + userColumns + ` FROM users`
		if !includeDeleted {
			query += ` WHERE deleted_at IS NULL`
		}
		query += ` ORDER BY id ASC`

		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			yield(nil, fmt.Errorf("ユーザーのエクスポートに失敗しました: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				yield(nil, fmt.Errorf("ユーザーの読み取りに失敗しました: %w", err))
				return
			}
			if !yield(user, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("ユーザーの走査に失敗しました: %w", err))
		}
	}
}

func updateUser(ctx context.Context, exec Executor, user *model.User) error {
	roles, err := encodeRoles(user.Roles)
	if err != nil {
		return err
	}

	result, err := exec.ExecContext(ctx,
		`UPDATE users SET
		    email = $2,
		    password = $3,
		    name = $4,
		    roles = $5,
		    is_active = $6,
		    is_verified = $7,
		    verification_token = $8,
		    email_verified_at = $9,
		    reset_password_token = $10,
		    reset_password_token_expires_at = $11,
		    last_login_at = $12,
		    last_login_ip = $13,
		    login_count = $14,
		    updated_at = $15,
		    deleted_at = $16
		 WHERE id = $1`,
		user.ID,
		model.NormalizeEmail(user.Email),
		user.PasswordHash,
		nullableName(user.Name),
		roles,
		user.IsActive,
		user.IsVerified,
		nullString(user.VerificationToken),
		nullTime(user.EmailVerifiedAt),
		nullString(user.ResetPasswordToken),
		nullTime(user.ResetPasswordTokenExpiresAt),
		nullTime(user.LastLoginAt),
		nullString(user.LastLoginIP),
		user.LoginCount,
		nullTime(user.UpdatedAt),
		nullTime(user.DeletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func enqueueEvent(ctx context.Context, tx *sql.Tx, user *model.User, build EventBuilder) error {
	if build == nil {
		return nil
	}
	msg, err := build(user)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	if _, err := enqueueMessage(ctx, tx, msg); err != nil {
		return err
	}
	return nil
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var (
		name, verificationToken, resetToken, lastLoginIP                   sql.NullString
		emailVerifiedAt, resetExpiresAt, lastLoginAt, updatedAt, deletedAt sql.NullTime
		roles                                                              []byte
	)
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &name, &roles, &u.IsActive, &u.IsVerified,
		&verificationToken, &emailVerifiedAt, &resetToken, &resetExpiresAt,
		&lastLoginAt, &lastLoginIP, &u.LoginCount, &u.CreatedAt, &updatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &u.Roles); err != nil {
			return nil, fmt.Errorf("failed to decode roles: %w", err)
		}
	}
	if name.Valid {
		u.Name = name.String
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.VerificationToken = stringPtr(verificationToken)
	u.EmailVerifiedAt = timePtr(emailVerifiedAt)
	u.ResetPasswordToken = stringPtr(resetToken)
	u.ResetPasswordTokenExpiresAt = timePtr(resetExpiresAt)
	u.LastLoginAt = timePtr(lastLoginAt)
	u.LastLoginIP = stringPtr(lastLoginIP)
	u.UpdatedAt = timePtr(updatedAt)
	u.DeletedAt = timePtr(deletedAt)
	return u, nil
}

func encodeRoles(roles []string) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("failed to encode roles: %w", err)
	}
	return string(b), nil
}

func nullableName(name string) sql.NullString {
	if name == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: name, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
