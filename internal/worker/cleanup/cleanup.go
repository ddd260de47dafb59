// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// キューストア自身は行を削除しないため、配信済みメッセージの削除はこのジョブが担う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMessageRetention は配信済みメッセージの既定の保持期間（7日）。
const DefaultMessageRetention = 7 * 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// target は1回のジョブで削除する対象。
type target struct {
	name  string
	query string
	// cutoff は削除の基準時刻を返す。
	cutoff func(job *CleanupJob, now time.Time) time.Time
}

var targets = []target{
	{
		name:  "messenger_messages",
		query: `DELETE FROM messenger_messages WHERE delivered_at IS NOT NULL AND delivered_at < $1`,
		cutoff: func(job *CleanupJob, now time.Time) time.Time {
			return now.Add(-job.MessageRetention)
		},
	},
	{
		name:  "revoked_tokens",
		query: `DELETE FROM revoked_tokens WHERE expires_at <= $1`,
		cutoff: func(_ *CleanupJob, now time.Time) time.Time {
			return now
		},
	},
	{
		// 使用済みトークンも期限まで残し、再利用検知に使う
		name:  "refresh_tokens",
		query: `DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		cutoff: func(_ *CleanupJob, now time.Time) time.Time {
			return now
		},
	},
}

// CleanupJob は配信済みメッセージ・期限切れの失効トークン・期限切れのリフレッシュトークンを削除する。
// 冪等であり、何度実行しても安全。
type CleanupJob struct {
	db               Executor
	logger           *slog.Logger
	now              func() time.Time
	MessageRetention time.Duration // 配信済みメッセージの保持期間（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:               db,
		logger:           logger,
		now:              time.Now,
		MessageRetention: DefaultMessageRetention,
	}
}

// Run は全ての削除対象を順に処理する。
// 1つの対象で失敗した場合も残りの対象は処理し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now().UTC().Truncate(time.Second)

	var firstErr error
	var total int64
	for _, tg := range targets {
		n, err := j.runTarget(ctx, tg, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Duration("message_retention", j.MessageRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return firstErr
}

func (j *CleanupJob) runTarget(ctx context.Context, tg target, now time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, tg.query, tg.cutoff(j, now))
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", tg.name),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", tg.name, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", tg.name),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("期限切れデータを削除しました",
		slog.String("table", tg.name),
		slog.Int64("deleted_count", deleted),
	)
	return deleted, nil
}

// Start はintervalごとにジョブを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
