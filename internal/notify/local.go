package notify

import (
	"context"
	"sync"
)

// Local はプロセス内で完結するPublisher兼Subscriber。
// バッファが満杯のときの通知は破棄する。
type Local struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

// NewLocal はバッファサイズbufferのLocalを生成する。
func NewLocal(buffer int) *Local {
	if buffer < 1 {
		buffer = 1
	}
	return &Local{ch: make(chan string, buffer)}
}

// Publish はレーン名を非ブロッキングで送信する。
func (l *Local) Publish(ctx context.Context, queueName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	select {
	case l.ch <- queueName:
	default:
	}
	return nil
}

// Wakeups は通知チャネルを返す。
func (l *Local) Wakeups() <-chan string {
	return l.ch
}

// Close はチャネルを閉じる。複数回呼んでもよい。
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	return nil
}

var (
	_ Subscriber = (*Local)(nil)
	_ Publisher  = (*Local)(nil)
)
