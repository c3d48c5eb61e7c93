// Package lock provides entity-scoped exclusive locks.
//
// Every mutating operation on an entity runs while holding the entity's
// lease. KeyedMutex serializes callers inside one process; RedisLocker
// extends the same discipline across processes sharing a store.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLeaseLost is returned by Unlock when the lease expired or was taken
// over before it was released.
var ErrLeaseLost = errors.New("lock lease lost")

// Locker acquires exclusive leases on keys.
type Locker interface {
	// Lock blocks until the key is held or ctx is done.
	Lock(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Unlock(ctx context.Context) error
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// reference counted and dropped when no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // cap 1; a token in the channel means held
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock acquires key, waiting until ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Lease, error) {
	l := k.ref(key)
	select {
	case l.ch <- struct{}{}:
		return &localLease{owner: k, key: key, lock: l}, nil
	case <-ctx.Done():
		k.unref(key, l)
		return nil, context.Cause(ctx)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

type localLease struct {
	owner *KeyedMutex
	key   string
	lock  *keyLock
	once  sync.Once
}

func (l *localLease) Unlock(context.Context) error {
	err := ErrLeaseLost
	l.once.Do(func() {
		<-l.lock.ch
		l.owner.unref(l.key, l.lock)
		err = nil
	})
	return err
}
