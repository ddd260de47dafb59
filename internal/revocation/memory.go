package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryCache はプロセス内の失効リスト。期限切れのエントリは参照時とjanitorで削除する。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption はMemoryCacheの設定を変更する。
type MemoryOption func(*MemoryCache)

// WithClock は有効期限の判定に使う時計を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache はMemoryCacheを生成し、interval間隔で期限切れを掃除するjanitorを起動する。
// intervalが0以下の場合はjanitorを起動しない。
func NewMemoryCache(interval time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if interval > 0 {
		c.wg.Add(1)
		go c.janitor(interval)
	}
	return c
}

// Revoke はtokenをttlの間失効扱いにする。既存のエントリより短いttlでは短縮しない。
func (c *MemoryCache) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	key := Fingerprint(token)
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; !ok || expiresAt.After(cur) {
		c.entries[key] = expiresAt
	}
	return nil
}

// IsRevoked はtokenが失効中かを返す。
func (c *MemoryCache) IsRevoked(ctx context.Context, token string) (bool, error) {
	key := Fingerprint(token)
	now := c.now()

	c.mu.RLock()
	expiresAt, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if now.Before(expiresAt) {
		return true, nil
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !now.Before(cur) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return false, nil
}

// Len は保持しているエントリ数を返す。期限切れで未削除のものも含む。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop はjanitorを停止する。複数回呼んでもよい。
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *MemoryCache) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *MemoryCache) purge() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
