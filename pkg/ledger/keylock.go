package ledger

import (
	"sort"
	"sync"
)

// KeyLocker serializes in-process work per shift identity. The reconciler
// and the swap engine share one so that a pass and a swap action never
// interleave on the same shift; unrelated shifts never contend.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocker creates an empty locker
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*refLock)}
}

// Lock acquires every key in sorted order and returns the release func.
// A nil locker hands out no-op locks.
func (k *KeyLocker) Lock(keys ...string) func() {
	if k == nil {
		return func() {}
	}
	sorted := uniqueSorted(keys)
	held := make([]*refLock, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &refLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
