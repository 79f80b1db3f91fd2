package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockRegistry hands out one mutual-exclusion lock per key. Locks are
// created on first use and dropped once nobody holds or waits for them.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int // holder plus waiters
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		locks: make(map[string]*keyLock),
	}
}

// EditLock returns the lock for key.
func (r *LockRegistry) EditLock(key string) *EditLock {
	return &EditLock{registry: r, key: key}
}

// Len returns the number of keys currently locked or waited on.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.locks)
}

func (r *LockRegistry) ref(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		r.locks[key] = l
	}
	l.refs++
	return l
}

// unref must be called once for every ref.
func (r *LockRegistry) unref(key string, l *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
}

// EditLock serializes the read, produce and write sequence for one key.
// Waiting in Lock parks the goroutine and honors context cancellation.
type EditLock struct {
	registry *LockRegistry
	key      string

	mu   sync.Mutex
	held *keyLock
}

// Key returns the locked key.
func (l *EditLock) Key() string {
	return l.key
}

// Lock waits until the key is free or ctx is done.
func (l *EditLock) Lock(ctx context.Context) error {
	kl := l.registry.ref(l.key)
	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.registry.unref(l.key, kl)
		return err
	}
	l.setHeld(kl)
	return nil
}

// TryLock acquires the key only if it is free.
func (l *EditLock) TryLock() bool {
	kl := l.registry.ref(l.key)
	if !kl.sem.TryAcquire(1) {
		l.registry.unref(l.key, kl)
		return false
	}
	l.setHeld(kl)
	return true
}

// Unlock releases the key. Unlocking an EditLock that is not held panics,
// as with sync.Mutex.
func (l *EditLock) Unlock() {
	l.mu.Lock()
	kl := l.held
	l.held = nil
	l.mu.Unlock()

	if kl == nil {
		panic("cache: unlock of unlocked edit lock")
	}
	kl.sem.Release(1)
	l.registry.unref(l.key, kl)
}

func (l *EditLock) setHeld(kl *keyLock) {
	l.mu.Lock()
	l.held = kl
	l.mu.Unlock()
}
