// Package notify はキュー書き込み時のウェイクアップ通知を提供する。
// 通知は最大1回・ベストエフォートであり、取りこぼしても遅延が増えるだけでメッセージは失われない。
// コンシューマーは通知の有無にかかわらず定期ポーリングを継続すること。
package notify

import "context"

// WakeAll は全レーンを起こす通知を表す。再接続直後など、通知を取りこぼした可能性がある場合に送られる。
const WakeAll = ""

// Publisher はレーン名を通知する。
type Publisher interface {
	// Publish はqueueNameのウェイクアップを通知する。配送は保証されない。
	Publish(ctx context.Context, queueName string) error
}

// Subscriber はウェイクアップ通知を受け取る。
type Subscriber interface {
	// Wakeups はレーン名を運ぶチャネルを返す。WakeAllは全レーンを意味する。
	// Closeの後はクローズされる。
	Wakeups() <-chan string
	// Close は購読を終了する。
	Close() error
}

// Polling は通知を一切発行しないSubscriber。
// ディスパッチャがポーリングのみで動作することを保証するためのフォールバック。
type Polling struct {
	ch chan string
}

// NewPolling はPollingを生成する。
func NewPolling() *Polling {
	return &Polling{ch: make(chan string)}
}

// Wakeups は何も送られないチャネルを返す。
func (p *Polling) Wakeups() <-chan string {
	return p.ch
}

// Close は何もしない。Wakeupsのチャネルは閉じない。
func (p *Polling) Close() error {
	return nil
}

// Publish は何もしない。
func (p *Polling) Publish(ctx context.Context, queueName string) error {
	return nil
}

var (
	_ Subscriber = (*Polling)(nil)
	_ Publisher  = (*Polling)(nil)
)
