package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// LockManager is a process-local domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), clock: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}
	l.seq++
	token := l.seq
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
