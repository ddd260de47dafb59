package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/usercore/internal/model"
)

// DefaultLeaseTimeout はクレーム用トランザクションの既定の最大保持時間。
const DefaultLeaseTimeout = 5 * time.Minute

const messageColumns = `id, body, headers, queue_name, created_at, available_at, delivered_at`

// PostgresMessageRepo はmessenger_messagesテーブルを使用したキューストア。
// 行ロック（FOR UPDATE SKIP LOCKED）をクレームとして扱う。
type PostgresMessageRepo struct {
	db           *sql.DB
	leaseTimeout time.Duration
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
// leaseTimeoutが0以下の場合はDefaultLeaseTimeoutを使用する。
func NewPostgresMessageRepo(db *sql.DB, leaseTimeout time.Duration) *PostgresMessageRepo {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &PostgresMessageRepo{db: db, leaseTimeout: leaseTimeout}
}

// Enqueue は配信待ちメッセージを挿入する。
// 挿入時にトリガーがpg_notifyでレーン名を通知する。
func (r *PostgresMessageRepo) Enqueue(ctx context.Context, msg *model.QueueMessage) (int64, error) {
	return enqueueMessage(ctx, r.db, msg)
}

// EnqueueTx は呼び出し元のトランザクション内でメッセージを挿入する。
// 通知はトランザクションのコミット時に配送される。
func (r *PostgresMessageRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, msg *model.QueueMessage) (int64, error) {
	return enqueueMessage(ctx, tx, msg)
}

func enqueueMessage(ctx context.Context, exec Executor, msg *model.QueueMessage) (int64, error) {
	if msg.QueueName == "" {
		return 0, fmt.Errorf("queue name is required")
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return 0, err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.AvailableAt = availableTime(msg.CreatedAt, msg.AvailableAt)
	msg.CreatedAt = dbTime(msg.CreatedAt)

	err = exec.QueryRowContext(ctx,
		`INSERT INTO messenger_messages (body, headers, queue_name, created_at, available_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		msg.Body, headers, msg.QueueName, msg.CreatedAt, msg.AvailableAt,
	).Scan(&msg.ID)
	if err != nil {
		return 0, fmt.Errorf("メッセージのエンキューに失敗しました: %w", err)
	}
	return msg.ID, nil
}

// ClaimNext は指定レーンで最も古いクレーム可能なメッセージを行ロック付きで取得する。
// クレーム用トランザクションは呼び出し元のキャンセルから切り離され、リース時間で打ち切られる。
// リース切れ・ロールバック・接続断のいずれでもロックは解放され、再クレーム可能になる。
func (r *PostgresMessageRepo) ClaimNext(ctx context.Context, queueName string, now time.Time) (*Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.leaseTimeout)
	tx, err := r.db.BeginTx(leaseCtx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("クレーム用トランザクションの開始に失敗しました: %w", err)
	}

	msg, err := scanMessage(tx.QueryRowContext(leaseCtx,
		`SELECT `+messageColumns+`
		 FROM messenger_messages
		 WHERE queue_name = $1
		   AND delivered_at IS NULL
		   AND available_at <= $2
		 ORDER BY id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		queueName, now.UTC(),
	))
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		cancel()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		cancel()
		return nil, fmt.Errorf("メッセージのクレームに失敗しました: %w", err)
	}

	return newTxClaim(msg, tx, leaseCtx, cancel), nil
}

// MarkDelivered はクレームを経由せずに配信済みにする。
// 既に配信済みの場合は何もせずfalseを返す。
func (r *PostgresMessageRepo) MarkDelivered(ctx context.Context, id int64) (bool, error) {
	return markDelivered(ctx, r.db, id, time.Now())
}

func markDelivered(ctx context.Context, exec Executor, id int64, now time.Time) (bool, error) {
	result, err := exec.ExecContext(ctx,
		`UPDATE messenger_messages SET delivered_at = $2
		 WHERE id = $1 AND delivered_at IS NULL`,
		id, dbTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("配信済みマークに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, id int64) (*model.QueueMessage, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messenger_messages WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by ID: %w", err)
	}
	return msg, nil
}

// CountPending は指定レーンの未配信メッセージ数を返す。可視化前のメッセージも含む。
func (r *PostgresMessageRepo) CountPending(ctx context.Context, queueName string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messenger_messages WHERE queue_name = $1 AND delivered_at IS NULL`,
		queueName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// availableTime はavailable_atに保存する時刻を返す。
// 遅延指定は秒単位に切り上げ、指定時刻より前にクレームされないようにする。
// 即時配信（未指定またはcreatedAt以前）は切り捨てて、通知直後のクレームで見えるようにする。
func availableTime(createdAt, availableAt time.Time) time.Time {
	if availableAt.IsZero() {
		return dbTime(createdAt)
	}
	if !availableAt.After(createdAt) {
		return dbTime(availableAt)
	}
	return ceilSecond(availableAt)
}

func newTxClaim(msg *model.QueueMessage, tx *sql.Tx, leaseCtx context.Context, cancel context.CancelFunc) *Claim {
	finish := func(commit bool) error {
		defer cancel()
		if !commit {
			return tx.Rollback()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("クレームのコミットに失敗しました: %w", err)
		}
		return nil
	}

	return NewClaim(msg, leaseCtx, ClaimFuncs{
		Ack: func(ctx context.Context) (bool, error) {
			ok, err := markDelivered(ctx, tx, msg.ID, time.Now())
			if err != nil {
				_ = finish(false)
				return false, err
			}
			if err := finish(true); err != nil {
				return false, err
			}
			return ok, nil
		},
		Retry: func(ctx context.Context, availableAt time.Time, headers map[string]string) error {
			encoded, err := encodeHeaders(headers)
			if err != nil {
				_ = finish(false)
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE messenger_messages SET available_at = $2, headers = $3 WHERE id = $1`,
				msg.ID, ceilSecond(availableAt), encoded,
			)
			if err != nil {
				_ = finish(false)
				return fmt.Errorf("再試行のスケジュールに失敗しました: %w", err)
			}
			return finish(true)
		},
		MoveTo: func(ctx context.Context, queueName string, headers map[string]string) error {
			encoded, err := encodeHeaders(headers)
			if err != nil {
				_ = finish(false)
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE messenger_messages SET queue_name = $2, headers = $3, available_at = $4 WHERE id = $1`,
				msg.ID, queueName, encoded, dbTime(time.Now()),
			)
			if err != nil {
				_ = finish(false)
				return fmt.Errorf("メッセージの移動に失敗しました: %w", err)
			}
			return finish(true)
		},
		Release: func() error {
			err := finish(false)
			if err == sql.ErrTxDone {
				return nil
			}
			return err
		},
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.QueueMessage, error) {
	msg := &model.QueueMessage{}
	var headers string
	var deliveredAt sql.NullTime
	if err := row.Scan(
		&msg.ID, &msg.Body, &headers, &msg.QueueName,
		&msg.CreatedAt, &msg.AvailableAt, &deliveredAt,
	); err != nil {
		return nil, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	msg.Headers = h
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.AvailableAt = msg.AvailableAt.UTC()
	msg.DeliveredAt = timePtr(deliveredAt)
	return msg, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if h == nil {
		h = map[string]string{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(b), nil
}

func decodeHeaders(s string) (map[string]string, error) {
	h := map[string]string{}
	if s == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	return h, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
