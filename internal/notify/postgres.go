package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// DefaultChannel はmessenger_messagesトリガーが通知するチャネル名。
const DefaultChannel = "messenger_messages"

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// PostgresListener はPostgreSQLのLISTENでトリガーの通知を受け取るSubscriber。
// ペイロードはqueue_nameで、再接続時はWakeAllを送る。
type PostgresListener struct {
	listener *pq.Listener
	out      chan string
	logger   *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPostgresListener はchannelをLISTENするPostgresListenerを生成する。
// 最初の接続に失敗した場合でもpq.Listenerがバックグラウンドで再接続を続ける。
func NewPostgresListener(databaseURL, channel string, logger *slog.Logger) (*PostgresListener, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pl := &PostgresListener{
		out:    make(chan string, 64),
		logger: logger,
		done:   make(chan struct{}),
	}

	pl.listener = pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval, pl.onEvent)
	if err := pl.listener.Listen(channel); err != nil {
		pl.listener.Close()
		return nil, fmt.Errorf("LISTEN %s に失敗しました: %w", channel, err)
	}

	pl.wg.Add(1)
	go pl.loop()

	logger.Info("通知チャネルの購読を開始しました", slog.String("channel", channel))
	return pl, nil
}

// Wakeups は通知チャネルを返す。
func (pl *PostgresListener) Wakeups() <-chan string {
	return pl.out
}

// Close はLISTEN接続を閉じ、Wakeupsのチャネルをクローズする。
func (pl *PostgresListener) Close() error {
	var err error
	pl.closeOnce.Do(func() {
		close(pl.done)
		err = pl.listener.Close()
		pl.wg.Wait()
		close(pl.out)
	})
	return err
}

func (pl *PostgresListener) loop() {
	defer pl.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pl.done:
			return
		case n, ok := <-pl.listener.Notify:
			if !ok {
				return
			}
			// nilは再接続を表す。切断中の通知は失われているため全レーンを起こす。
			if n == nil {
				pl.send(WakeAll)
				continue
			}
			pl.send(n.Extra)
		case <-ticker.C:
			go func() {
				if err := pl.listener.Ping(); err != nil {
					pl.logger.Warn("通知チャネルの疎通確認に失敗しました", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// send はコンシューマーがビジーのとき通知を破棄する。ポーリングで回収されるため問題ない。
func (pl *PostgresListener) send(queue string) {
	select {
	case pl.out <- queue:
	default:
	}
}

func (pl *PostgresListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		pl.logger.Debug("通知チャネルに接続しました")
	case pq.ListenerEventDisconnected:
		pl.logger.Warn("通知チャネルから切断されました", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		pl.logger.Info("通知チャネルに再接続しました")
	case pq.ListenerEventConnectionAttemptFailed:
		pl.logger.Warn("通知チャネルへの接続に失敗しました", slog.Any("error", err))
	}
}

// PostgresPublisher はpg_notifyで明示的にウェイクアップを送るPublisher。
// INSERT/UPDATEはトリガーが通知するため、主に遅延再試行後の再通知や運用操作で使う。
type PostgresPublisher struct {
	db      *sql.DB
	channel string
}

// NewPostgresPublisher はPostgresPublisherを生成する。
func NewPostgresPublisher(db *sql.DB, channel string) *PostgresPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresPublisher{db: db, channel: channel}
}

// Publish はpg_notifyを発行する。
func (p *PostgresPublisher) Publish(ctx context.Context, queueName string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, queueName); err != nil {
		return fmt.Errorf("pg_notifyに失敗しました: %w", err)
	}
	return nil
}

var (
	_ Subscriber = (*PostgresListener)(nil)
	_ Publisher  = (*PostgresPublisher)(nil)
)
