// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/hitoshi/usercore/internal/model"
)

var (
	// ErrDuplicateEmail は大文字小文字を無視して同一のメールアドレスが既に存在する場合に返される。
	ErrDuplicateEmail = errors.New("duplicate email")

	// ErrInvalidRefreshToken は未知・使用済み・期限切れのリフレッシュトークンで返される。
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrClaimFinished は確定済みのクレームに対して再度操作した場合に返される。
	ErrClaimFinished = errors.New("claim already finished")

	// ErrUserNotFound は更新対象のユーザー行が存在しない場合に返される。
	ErrUserNotFound = errors.New("user not found")

	// ErrUserUnavailable は論理削除済みまたは無効化済みのユーザーに対してログインを記録しようとした場合に返される。
	ErrUserUnavailable = errors.New("user unavailable")

	// ErrNoChange はModifyWithEventのapplyが返すと、書き込みを行わずにロールバックする。
	ErrNoChange = errors.New("no change")
)

// EventBuilder は永続化済みのユーザーからアウトボックスに書き込むメッセージを組み立てる。
// ユーザーIDは挿入後に確定するため、メッセージは同一トランザクション内で遅延生成する。
type EventBuilder func(user *model.User) (*model.QueueMessage, error)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。論理削除済みも含む。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail は正規化したメールアドレスで大文字小文字を無視して検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByVerificationToken はメール確認トークンでユーザーを検索する。見つからない場合はnilを返す。
	FindByVerificationToken(ctx context.Context, token string) (*model.User, error)

	// FindByResetPasswordToken はパスワードリセットトークンでユーザーを検索する。見つからない場合はnilを返す。
	FindByResetPasswordToken(ctx context.Context, token string) (*model.User, error)

	// CreateWithEvent はユーザーの作成とイベントのエンキューを同一トランザクションで行う。
	// 成功時はuser.IDが設定される。メールアドレス重複時はErrDuplicateEmailを返す。
	CreateWithEvent(ctx context.Context, user *model.User, build EventBuilder) error

	// RecordLogin はログイン情報だけを更新し、加算後のlogin_countを返す。
	// 論理削除済み・無効化済みの場合はErrUserUnavailableを返す。
	RecordLogin(ctx context.Context, id int64, ip string, now time.Time) (int, error)

	// ModifyWithEvent は行ロックを取得したユーザーにapplyを適用し、保存とイベントのエンキューを
	// 同一トランザクションで行う。applyがエラーを返した場合はロールバックしてそのまま返す。
	// 行が存在しない場合はErrUserNotFoundを返す。
	ModifyWithEvent(ctx context.Context, id int64, apply func(*model.User) error, build EventBuilder) (*model.User, error)

	// Export は全ユーザーをID昇順で遅延的に列挙する。
	// カーソルは列挙の完了・エラー・途中breakのいずれでも解放される。
	Export(ctx context.Context, includeDeleted bool) iter.Seq2[*model.User, error]
}

// MessageRepository はmessenger_messagesテーブルのキューストア。
// 行の削除は行わない。保持期間の管理はcleanupジョブが担う。
type MessageRepository interface {
	// Enqueue は配信待ちメッセージを挿入しIDを返す。
	// AvailableAtが未指定の場合はCreatedAtと同じ時刻になる。
	Enqueue(ctx context.Context, msg *model.QueueMessage) (int64, error)

	// EnqueueTx は呼び出し元が所有するトランザクション内でEnqueueを行う。
	EnqueueTx(ctx context.Context, tx *sql.Tx, msg *model.QueueMessage) (int64, error)

	// ClaimNext は指定レーンで最も古いクレーム可能なメッセージを排他的に取得する。
	// 対象がない場合はnil, nilを返す。
	ClaimNext(ctx context.Context, queueName string, now time.Time) (*Claim, error)

	// MarkDelivered は配信済みにする。既に配信済みの場合はfalseを返す。
	MarkDelivered(ctx context.Context, id int64) (bool, error)

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.QueueMessage, error)

	// CountPending は指定レーンの未配信メッセージ数を返す。
	CountPending(ctx context.Context, queueName string) (int, error)
}

// RefreshTokenRepository はハッシュ化されたリフレッシュトークンの永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを保存する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// Rotate は旧トークンを消費済みにし、新トークンを同一トランザクションで保存する。
	// 旧トークンが無効な場合はErrInvalidRefreshTokenを返す。
	// 使用済みトークンが再提示された場合は、そのユーザーの全トークンを破棄する。
	Rotate(ctx context.Context, oldHash string, next *model.RefreshToken, now time.Time) (int64, error)

	// DeleteByUserID はユーザーの全リフレッシュトークンを削除する。
	DeleteByUserID(ctx context.Context, userID int64) error
}

// RevokedTokenRepository は失効トークンのフィンガープリントの永続化インターフェース。
type RevokedTokenRepository interface {
	// Revoke はフィンガープリントを失効登録する。既存の場合は有効期限の遅い方を残す。
	Revoke(ctx context.Context, fingerprint string, expiresAt, now time.Time) error

	// IsRevoked は指定時刻において失効中かを返す。期限切れの行は無視する。
	IsRevoked(ctx context.Context, fingerprint string, now time.Time) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Executor は*sql.DBと*sql.Txの共通部分を抽象化する。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dbTime はTIMESTAMP(0) WITHOUT TIME ZONEカラムに保存する形式へ時刻を揃える。
// タイムゾーンなしのカラムにはUTCで保存し、秒未満は切り捨てる。
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ceilSecond は秒未満を切り上げる。期限や可視化時刻が秒精度で保存されても早まらないようにする。
func ceilSecond(t time.Time) time.Time {
	t = t.UTC()
	if tr := t.Truncate(time.Second); !tr.Equal(t) {
		return tr.Add(time.Second)
	}
	return t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
