// Package dispatch はキューストアのメッセージをハンドラへ配信するコンシューマーを提供する。
// レーンごとに1つのループが通知またはポーリングで起床し、クレーム・処理・確定を繰り返す。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/usercore/internal/messenger"
	"github.com/hitoshi/usercore/internal/metrics"
	"github.com/hitoshi/usercore/internal/notify"
	"github.com/hitoshi/usercore/internal/repository"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultMaxIdleBackoff = time.Minute
	// retryWakeSlack はavailable_atが秒単位に切り上げて保存される分だけウェイクアップを遅らせる。
	retryWakeSlack = time.Second
)

// Claimer はレーンから次のメッセージをクレームする。
type Claimer interface {
	ClaimNext(ctx context.Context, queueName string, now time.Time) (*repository.Claim, error)
}

// Config はディスパッチャの設定。
type Config struct {
	// Queues は購読するレーン名。
	Queues []string
	// PollInterval は通知がなくてもクレームを試みる間隔。
	PollInterval time.Duration
	// MaxRetries は失敗レーンへ移動するまでの再試行回数。0の場合は無期限に再試行する。
	MaxRetries int
	// MaxIdleBackoff はストレージエラー時の待機時間の上限。
	MaxIdleBackoff time.Duration
}

// Dispatcher はレーンごとのコンシューマーループを管理する。
type Dispatcher struct {
	store    Claimer
	registry *messenger.Registry
	wakeups  notify.Subscriber
	waker    notify.Publisher
	metrics  metrics.DispatchRecorder
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

// NewDispatcher はDispatcherを生成する。
// wakeupsがnilの場合はポーリングのみで動作する。recがnilの場合はメトリクスを記録しない。
func NewDispatcher(
	store Claimer,
	registry *messenger.Registry,
	wakeups notify.Subscriber,
	rec metrics.DispatchRecorder,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if wakeups == nil {
		wakeups = notify.NewPolling()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxIdleBackoff <= 0 {
		cfg.MaxIdleBackoff = defaultMaxIdleBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		wakeups:  wakeups,
		metrics:  rec,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// SetRetryWaker は再試行の待機が明けたときにレーンを起こすPublisherを設定する。
// 設定しない場合、再試行はポーリングで回収される。Runの前に呼ぶこと。
func (d *Dispatcher) SetRetryWaker(p notify.Publisher) {
	d.waker = p
}

// Run はレーンごとのループを起動し、ctxがキャンセルされるまでブロックする。
// 処理中のハンドラの完了を待ってから戻る。
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.cfg.Queues) == 0 {
		return errors.New("no queues configured")
	}

	lanes := make(map[string]chan struct{}, len(d.cfg.Queues))
	for _, q := range d.cfg.Queues {
		lanes[q] = make(chan struct{}, 1)
	}

	d.logger.Info("コンシューマーを開始しました",
		slog.Any("queues", d.cfg.Queues),
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("max_retries", d.cfg.MaxRetries),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.fanOut(ctx, lanes)
	}()

	for queue, wake := range lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runLane(ctx, queue, wake)
		}()
	}

	wg.Wait()
	d.stopTimers()
	d.logger.Info("コンシューマーを停止しました")
	return nil
}

// fanOut は通知を該当レーンのウェイクアップに振り分ける。
// 購読が閉じられた後はポーリングのみで動作を続ける。
func (d *Dispatcher) fanOut(ctx context.Context, lanes map[string]chan struct{}) {
	ch := d.wakeups.Wakeups()
	for {
		select {
		case <-ctx.Done():
			return
		case queue, ok := <-ch:
			if !ok {
				d.logger.Warn("通知チャネルが閉じられました。ポーリングで継続します")
				return
			}
			if queue == notify.WakeAll {
				for _, wake := range lanes {
					signal(wake)
				}
				continue
			}
			if wake, ok := lanes[queue]; ok {
				signal(wake)
			}
		}
	}
}

// signal は起床要求を非ブロッキングで送る。保留中の要求があれば合流する。
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) runLane(ctx context.Context, queue string, wake <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var idleBackoff time.Duration
	for {
		if _, err := d.DrainOnce(ctx, queue); err != nil && ctx.Err() == nil {
			idleBackoff = nextIdleBackoff(idleBackoff, d.cfg.MaxIdleBackoff)
			d.logger.Error("メッセージのクレームに失敗しました",
				slog.String("queue", queue),
				slog.Duration("backoff", idleBackoff),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, idleBackoff) {
				return
			}
			continue
		}
		idleBackoff = 0

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func nextIdleBackoff(current, limit time.Duration) time.Duration {
	if current <= 0 {
		return min(initialBackoff, limit)
	}
	return min(current*2, limit)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DrainOnce はクレーム可能なメッセージがなくなるまで1件ずつ処理し、処理件数を返す。
// ctxがキャンセルされた場合は処理中のメッセージを確定してから戻る。
func (d *Dispatcher) DrainOnce(ctx context.Context, queue string) (int, error) {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed, nil
		}

		claim, err := d.store.ClaimNext(ctx, queue, d.now())
		if err != nil {
			if ctx.Err() != nil {
				return processed, nil
			}
			d.metrics.RecordStorageError(queue)
			return processed, err
		}
		if claim == nil {
			return processed, nil
		}

		d.handle(ctx, queue, claim)
		processed++
	}
}

func (d *Dispatcher) handle(ctx context.Context, queue string, claim *repository.Claim) {
	defer func() {
		if err := claim.Release(); err != nil {
			d.logger.Warn("クレームの解放に失敗しました",
				slog.Int64("message_id", claim.Message.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	msg := claim.Message
	msgType := msg.Header(messenger.HeaderType)

	// ハンドラはリース期限とシャットダウンのどちらでも打ち切られる
	handlerCtx, cancel := context.WithCancel(claim.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	err := d.invoke(handlerCtx, msgType, claim)
	d.metrics.RecordHandleLatency(queue, time.Since(start))

	if err == nil {
		d.ack(queue, msgType, claim)
		return
	}

	if ctx.Err() != nil || claim.Context().Err() != nil {
		// シャットダウンまたはリース切れで中断したメッセージはロールバックで返す
		d.logger.Warn("処理を中断したメッセージを解放します",
			slog.String("queue", queue),
			slog.Int64("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	d.fail(queue, msgType, claim, err)
}

// invoke はハンドラを呼び出す。パニックはエラーとして扱う。
func (d *Dispatcher) invoke(ctx context.Context, msgType string, claim *repository.Claim) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, err := d.registry.Lookup(msgType)
	if err != nil {
		return err
	}
	return h.Handle(ctx, claim.Message)
}

func (d *Dispatcher) ack(queue, msgType string, claim *repository.Claim) {
	// シャットダウン後でもリース期限内なら確定させる
	delivered, err := claim.Ack(claim.Context())
	if err != nil {
		d.metrics.RecordStorageError(queue)
		d.logger.Error("メッセージの確定に失敗しました",
			slog.String("queue", queue),
			slog.Int64("message_id", claim.Message.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !delivered {
		d.logger.Warn("メッセージは既に配信済みでした",
			slog.String("queue", queue),
			slog.Int64("message_id", claim.Message.ID),
		)
		return
	}
	d.metrics.RecordDelivered(queue, msgType)
	d.logger.Debug("メッセージを配信しました",
		slog.String("queue", queue),
		slog.String("type", msgType),
		slog.Int64("message_id", claim.Message.ID),
	)
}

func (d *Dispatcher) fail(queue, msgType string, claim *repository.Claim, cause error) {
	msg := claim.Message
	previous := messenger.RetryCount(msg)
	failure := &DeliveryFailure{
		MessageID:   msg.ID,
		MessageType: msgType,
		Queue:       queue,
		Attempt:     previous + 1,
		Err:         cause,
	}

	headers := messenger.CloneHeaders(msg)
	headers[messenger.HeaderRetryCount] = strconv.Itoa(previous + 1)
	headers[messenger.HeaderLastError] = truncateError(cause)

	if d.cfg.MaxRetries > 0 && previous >= d.cfg.MaxRetries && queue != messenger.FailedQueue {
		headers[messenger.HeaderOriginalQueue] = queue
		if err := claim.MoveTo(claim.Context(), messenger.FailedQueue, headers); err != nil {
			d.metrics.RecordStorageError(queue)
			d.logger.Error("失敗レーンへの移動に失敗しました",
				slog.Int64("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		d.metrics.RecordMovedToFailed(queue, msgType)
		d.logger.Error("再試行上限に達したためメッセージを失敗レーンへ移動しました",
			slog.String("error", failure.Error()),
		)
		return
	}

	delay := CalculateBackoff(previous)
	if err := claim.Retry(claim.Context(), d.now().Add(delay), headers); err != nil {
		d.metrics.RecordStorageError(queue)
		d.logger.Error("再試行のスケジュールに失敗しました",
			slog.Int64("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.RecordHandlerFailure(queue, msgType)
	d.logger.Warn("メッセージの処理に失敗しました。再試行します",
		slog.String("error", failure.Error()),
		slog.Duration("retry_in", delay),
	)
	d.scheduleWake(queue, delay+retryWakeSlack)
}

// scheduleWake は再試行の待機が明けたときにレーンへ通知する。
func (d *Dispatcher) scheduleWake(queue string, delay time.Duration) {
	if d.waker == nil {
		return
	}

	d.timersMu.Lock()
	defer d.timersMu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.timersMu.Lock()
		delete(d.timers, t)
		d.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.waker.Publish(ctx, queue); err != nil {
			d.logger.Warn("再試行のウェイクアップ通知に失敗しました",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	})
	d.timers[t] = struct{}{}
}

func (d *Dispatcher) stopTimers() {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	for t := range d.timers {
		t.Stop()
		delete(d.timers, t)
	}
}
