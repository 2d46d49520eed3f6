// Package cooldown suppresses rapid duplicate wallet submissions. It is a
// best-effort guard scoped to the running process (or to one Redis), never a
// substitute for the ledger's compare-and-swap and idempotency keys.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/emilioale04/steam-clone-sub000/internal/ledger"
)

// Kind is the operation a cooldown window applies to.
type Kind string

const (
	Reload  Kind = "reload"
	Payment Kind = "payment"

	DefaultReloadWindow  = 5 * time.Second
	DefaultPaymentWindow = 3 * time.Second
	DefaultMaxEntries    = 10_000
)

// Guard is implemented by every cooldown backend.
type Guard interface {
	CheckAndSet(ctx context.Context, accountID string, kind Kind) error
}

// Config sets the window per kind. A zero window disables the kind.
type Config struct {
	Reload     time.Duration
	Payment    time.Duration
	MaxEntries int
}

func DefaultConfig() Config {
	return Config{Reload: DefaultReloadWindow, Payment: DefaultPaymentWindow, MaxEntries: DefaultMaxEntries}
}

func (c Config) window(kind Kind) time.Duration {
	switch kind {
	case Reload:
		return c.Reload
	case Payment:
		return c.Payment
	}
	return 0
}

// Lock keeps one bounded TTL cache per kind. Entries expire when the window
// elapses whatever the outcome of the guarded operation; the oldest entries
// are evicted once MaxEntries is reached.
type Lock struct {
	mu     sync.Mutex
	cfg    Config
	caches map[Kind]*expirable.LRU[string, time.Time]
	now    func() time.Time
}

func NewLock(cfg Config) *Lock {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	caches := make(map[Kind]*expirable.LRU[string, time.Time])
	for _, kind := range []Kind{Reload, Payment} {
		if w := cfg.window(kind); w > 0 {
			caches[kind] = expirable.NewLRU[string, time.Time](cfg.MaxEntries, nil, w)
		}
	}
	return &Lock{cfg: cfg, caches: caches, now: time.Now}
}

// CheckAndSet rejects the call with OperationInProgress while the previous
// submission for the same account and kind is inside its window.
func (l *Lock) CheckAndSet(_ context.Context, accountID string, kind Kind) error {
	cache, ok := l.caches[kind]
	if !ok {
		return nil
	}
	window := l.cfg.window(kind)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if last, found := cache.Peek(accountID); found {
		if elapsed := now.Sub(last); elapsed < window {
			return rejected(kind, window-elapsed)
		}
	}
	cache.Add(accountID, now)
	return nil
}

// Len reports the number of tracked entries for kind.
func (l *Lock) Len(kind Kind) int {
	if cache, ok := l.caches[kind]; ok {
		return cache.Len()
	}
	return 0
}

func rejected(kind Kind, retryAfter time.Duration) error {
	err := ledger.InProgress(fmt.Sprintf("a %s was just submitted, wait before retrying", kind))
	err.RetryAfter = retryAfter
	return err
}
