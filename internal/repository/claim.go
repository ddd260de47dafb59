package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/usercore/internal/model"
)

// ClaimFuncs はクレームの確定操作の実装を表す。
// PostgresMessageRepoはクレーム用トランザクション上の操作を渡す。
type ClaimFuncs struct {
	Ack     func(ctx context.Context) (bool, error)
	Retry   func(ctx context.Context, availableAt time.Time, headers map[string]string) error
	MoveTo  func(ctx context.Context, queueName string, headers map[string]string) error
	Release func() error
}

// Claim はコンシューマーが排他的に保持している1件のメッセージを表す。
// Ack・Retry・MoveTo・Releaseのいずれか1つだけが効果を持ち、以降の操作はErrClaimFinishedを返す。
// ReleaseだけはAck等の後に呼んでも何もせずnilを返すため、deferで使用できる。
type Claim struct {
	Message *model.QueueMessage

	leaseCtx context.Context
	fns      ClaimFuncs

	mu       sync.Mutex
	finished bool
}

// NewClaim はClaimを生成する。leaseCtxはリース期限で打ち切られるコンテキスト。
func NewClaim(msg *model.QueueMessage, leaseCtx context.Context, fns ClaimFuncs) *Claim {
	if leaseCtx == nil {
		leaseCtx = context.Background()
	}
	return &Claim{Message: msg, leaseCtx: leaseCtx, fns: fns}
}

// Context はリース期限まで有効なコンテキストを返す。
// リースが切れるとキャンセルされ、ロックは解放される。
func (c *Claim) Context() context.Context {
	return c.leaseCtx
}

// Ack はメッセージを配信済みにしてクレームを確定する。
func (c *Claim) Ack(ctx context.Context) (bool, error) {
	if !c.finish() {
		return false, ErrClaimFinished
	}
	if c.fns.Ack == nil {
		return true, nil
	}
	return c.fns.Ack(ctx)
}

// Retry はメッセージを未配信のままavailableAtまで不可視にし、ヘッダーを更新する。
func (c *Claim) Retry(ctx context.Context, availableAt time.Time, headers map[string]string) error {
	if !c.finish() {
		return ErrClaimFinished
	}
	if c.fns.Retry == nil {
		return nil
	}
	return c.fns.Retry(ctx, availableAt, headers)
}

// MoveTo はメッセージを別レーンへ移動する。
func (c *Claim) MoveTo(ctx context.Context, queueName string, headers map[string]string) error {
	if !c.finish() {
		return ErrClaimFinished
	}
	if c.fns.MoveTo == nil {
		return nil
	}
	return c.fns.MoveTo(ctx, queueName, headers)
}

// Release は配信済みにせずクレームを手放す。メッセージは即座に再クレーム可能になる。
func (c *Claim) Release() error {
	if !c.finish() {
		return nil
	}
	if c.fns.Release == nil {
		return nil
	}
	return c.fns.Release()
}

// Finished はクレームが確定済みかを返す。
func (c *Claim) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Claim) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}
