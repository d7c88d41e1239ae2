package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// Keyed hands out one mutual-exclusion slot per key. Waiters block on a
// channel instead of polling and give up when the timeout or ctx expires.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free. The returned release func must be called
// exactly once; extra calls are ignored.
func (k *Keyed) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := k.ref(key)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case s.ch <- struct{}{}:
	case <-timer:
		k.unref(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		k.unref(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.unref(key)
		})
	}, nil
}

// AcquireAll takes every key in the given order and releases them in reverse.
// Callers must pass keys in a globally consistent order.
func (k *Keyed) AcquireAll(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	deadline := time.Now().Add(timeout)
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				releaseAll()
				return nil, ErrTimeout
			}
		}
		release, err := k.Acquire(ctx, key, remaining)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(k.slots, key)
	}
}

// OrderKey and DriverKey name the two lock scopes. Orders are always locked
// before drivers.
func OrderKey(id string) string {
	return "order:" + id
}

func DriverKey(id string) string {
	return "driver:" + id
}
