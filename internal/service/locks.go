package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

// LockConfig tunes how services take per-entity locks.
type LockConfig struct {
	// TTL bounds how long a distributed lock survives a crashed holder.
	TTL time.Duration
	// RetryInterval is the wait between attempts when a lock is held.
	RetryInterval time.Duration
}

// DefaultLockConfig returns the lock settings used when none are given.
func DefaultLockConfig() LockConfig {
	return LockConfig{TTL: 10 * time.Second, RetryInterval: 25 * time.Millisecond}
}

const registryLockKey = "registry:vaults"

func vaultLockKey(id uint64) string { return fmt.Sprintf("vault:%d", id) }

func positionLockKey(vaultID uint64, user common.Address) string {
	return fmt.Sprintf("position:%d:%s", vaultID, user.Hex())
}

func arbLockKey(user common.Address) string { return "arb:" + user.Hex() }

type locker struct {
	mgr domain.LockManager
	cfg LockConfig
}

// acquire takes every key in order and returns an idempotent release func
// that drops them in reverse. On failure nothing stays held.
func (l locker) acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]func(), 0, len(keys))
	var once sync.Once
	release := func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i]()
			}
		})
	}
	for _, key := range keys {
		unlock, err := l.acquireOne(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

func (l locker) acquireOne(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := l.mgr.Acquire(ctx, key, l.cfg.TTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}
