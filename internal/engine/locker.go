package engine

import "sync"

// Locker hands out a per-bucket/key mutex, created lazily, so concurrent
// operations on the same object serialize without a single global lock.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.RWMutex)}
}

func (l *Locker) keyMutex(bucket, key string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := bucket + "/" + key
	m, ok := l.locks[k]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[k] = m
	}
	return m
}

// Lock acquires an exclusive lock on bucket/key, returning the unlock func.
func (l *Locker) Lock(bucket, key string) func() {
	m := l.keyMutex(bucket, key)
	m.Lock()
	return m.Unlock
}

// RLock acquires a shared lock on bucket/key, returning the unlock func.
func (l *Locker) RLock(bucket, key string) func() {
	m := l.keyMutex(bucket, key)
	m.RLock()
	return m.RUnlock
}
