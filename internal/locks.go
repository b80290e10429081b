package internal

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// keyedLocks coalesces concurrent find-or-create operations within one batch
// so a previously-unknown author or work is created exactly once. The first
// caller for a key runs the lookup-then-insert; everyone else waits on it and
// reuses the resolved key.
//
// The table is scoped to a single HTTP request or queue batch. It does not
// survive across processes and doesn't need to: database unique constraints
// remain the cross-process guard.
type keyedLocks struct {
	group singleflight.Group

	mu       sync.Mutex
	resolved map[string]int64
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{resolved: map[string]int64{}}
}

func authorLockKey(normalizedName string) string {
	return "author:" + normalizedName
}

func workLockKey(normalizedTitle string) string {
	return "work:" + normalizedTitle
}

// findOrCreate returns the entity key for lockKey, running create at most
// once per batch. Later callers within the same batch get the memoized key
// without re-entering the group.
func (l *keyedLocks) findOrCreate(ctx context.Context, lockKey string, create func(context.Context) (int64, error)) (int64, error) {
	l.mu.Lock()
	if key, ok := l.resolved[lockKey]; ok {
		l.mu.Unlock()
		return key, nil
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do(lockKey, func() (any, error) {
		key, err := create(ctx)
		if err != nil {
			return int64(0), err
		}
		l.mu.Lock()
		l.resolved[lockKey] = key
		l.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
