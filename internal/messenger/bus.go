package messenger

import (
	"context"
	"time"

	"github.com/hitoshi/usercore/internal/model"
	"github.com/hitoshi/usercore/internal/repository"
)

// Enqueuer はメッセージをキューストアに書き込む。
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *model.QueueMessage) (int64, error)
}

// Bus はドメインイベントをアウトボックスに書き込むプロデューサー。
type Bus struct {
	store    Enqueuer
	producer string
	now      func() time.Time
}

// NewBus はBusを生成する。producerはヘッダーproducerに書き込むサービス名。
func NewBus(store Enqueuer, producer string) *Bus {
	return &Bus{store: store, producer: producer, now: time.Now}
}

// Dispatch はイベントを単独のトランザクションでエンキューし、メッセージIDを返す。
func (b *Bus) Dispatch(ctx context.Context, event Event, opts ...Option) (int64, error) {
	msg, err := NewMessage(event, b.producer, b.now(), opts...)
	if err != nil {
		return 0, err
	}
	return b.store.Enqueue(ctx, msg)
}

// Builder は集約の保存と同じトランザクションでエンキューするためのEventBuilderを返す。
// イベントはユーザーIDが確定した後に組み立てられる。
func (b *Bus) Builder(build func(u *model.User) Event, opts ...Option) repository.EventBuilder {
	return func(u *model.User) (*model.QueueMessage, error) {
		return NewMessage(build(u), b.producer, b.now(), opts...)
	}
}
