// Package lock implements domain.LockManager for a single process.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// KeyedMutex grants exclusive access per key. Unlike the Redis lock manager
// it waits for a held key instead of failing, until ctx is done.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered(1); a token in the channel means free
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Acquire blocks until key is free or ctx is done. The ttl is ignored; an
// in-process holder cannot disappear without running its unlock.
func (k *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case <-e.ch:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, fmt.Errorf("lock: acquire %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, e *entry, held bool) {
	if held {
		e.ch <- struct{}{}
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

var _ domain.LockManager = (*KeyedMutex)(nil)
