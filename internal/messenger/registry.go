package messenger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/usercore/internal/model"
)

// ErrNoHandler はメッセージ型に対応するハンドラが登録されていない場合に返される。
var ErrNoHandler = errors.New("no handler registered for message type")

// Handler は配信されたメッセージを処理する。
// 配信は最低1回保証のため、同じメッセージが複数回渡されても問題ないよう冪等に実装すること。
type Handler interface {
	Handle(ctx context.Context, msg *model.QueueMessage) error
}

// HandlerFunc は関数をHandlerとして扱うアダプタ。
type HandlerFunc func(ctx context.Context, msg *model.QueueMessage) error

// Handle はf(ctx, msg)を呼ぶ。
func (f HandlerFunc) Handle(ctx context.Context, msg *model.QueueMessage) error {
	return f(ctx, msg)
}

// Registry はメッセージ型からハンドラを引く。並行アクセスに安全。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register はメッセージ型にハンドラを追加する。同じ型に複数登録した場合は登録順に実行する。
func (r *Registry) Register(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = append(r.handlers[messageType], h)
}

// Lookup はメッセージ型のハンドラを返す。未登録の場合はErrNoHandlerを返す。
func (r *Registry) Lookup(messageType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[messageType]
	switch len(hs) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, messageType)
	case 1:
		return hs[0], nil
	default:
		chain := make([]Handler, len(hs))
		copy(chain, hs)
		return HandlerFunc(func(ctx context.Context, msg *model.QueueMessage) error {
			for _, h := range chain {
				if err := h.Handle(ctx, msg); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}
}

// Types は登録済みのメッセージ型を昇順で返す。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
