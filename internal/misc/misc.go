package misc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// KeyedMutex gives each key its own exclusive section. Slots are created on
// demand and dropped once nobody holds or waits for them, so the map only
// grows with the number of accounts currently in use.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (km *KeyedMutex) Lock(ctx context.Context, key string) error {
	km.mu.Lock()
	s, ok := km.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		km.slots[key] = s
	}
	s.refs++
	km.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		km.mu.Lock()
		km.release(key, s)
		km.mu.Unlock()
		return ctx.Err()
	}
}

func (km *KeyedMutex) Unlock(key string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	s, ok := km.slots[key]
	if !ok {
		panic(fmt.Sprintf("misc: unlock of unlocked key %q", key))
	}
	select {
	case <-s.ch:
	default:
		panic(fmt.Sprintf("misc: unlock of unlocked key %q", key))
	}
	km.release(key, s)
}

// LockAll locks every distinct key in sorted order, so two callers with
// overlapping key sets cannot deadlock. The returned func unlocks them all.
func (km *KeyedMutex) LockAll(ctx context.Context, keys []string) (unlock func(), err error) {
	ordered := SortedUnique(keys)
	held := make([]string, 0, len(ordered))

	unlock = func() {
		for i := len(held) - 1; i >= 0; i-- {
			km.Unlock(held[i])
		}
	}

	for _, k := range ordered {
		if err = km.Lock(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

// Len returns the number of keys currently held or waited on.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.slots)
}

// caller holds km.mu
func (km *KeyedMutex) release(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(km.slots, key)
	}
}

func SortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
