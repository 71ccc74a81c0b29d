// Package keyed provides a concurrent map with per-key critical sections.
//
// Each key owns a slot with its own mutex, so read-modify-write sequences on
// one key are atomic while operations on different keys never contend.
package keyed

import "sync"

type slot[V any] struct {
	mu      sync.Mutex
	val     V
	present bool
	dead    bool // removed from the map; callers holding it must retry
}

// Table maps keys to values with atomic per-key updates. The zero value is ready to use.
type Table[K comparable, V any] struct {
	m sync.Map // K -> *slot[V]
}

// Update runs fn while holding key's lock. fn receives a pointer to the
// current value and whether one was present; it may modify the value in
// place. Returning false deletes the key.
func (t *Table[K, V]) Update(key K, fn func(v *V, present bool) (keep bool)) {
	for {
		actual, _ := t.m.LoadOrStore(key, &slot[V]{})
		s := actual.(*slot[V])

		s.mu.Lock()
		if s.dead {
			// Lost a race with a delete; the next LoadOrStore installs a fresh slot.
			s.mu.Unlock()
			continue
		}
		if fn(&s.val, s.present) {
			s.present = true
		} else {
			t.kill(key, s)
		}
		s.mu.Unlock()
		return
	}
}

// Get returns a copy of the value stored for key.
func (t *Table[K, V]) Get(key K) (V, bool) {
	var zero V
	actual, ok := t.m.Load(key)
	if !ok {
		return zero, false
	}
	s := actual.(*slot[V])
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.present {
		return zero, false
	}
	return s.val, true
}

// Delete removes key.
func (t *Table[K, V]) Delete(key K) {
	t.Update(key, func(*V, bool) bool { return false })
}

// Sweep deletes every entry for which expired returns true and reports how
// many were removed. Each entry is examined under its own lock.
func (t *Table[K, V]) Sweep(expired func(key K, v V) bool) int {
	removed := 0
	t.m.Range(func(k, actual any) bool {
		key := k.(K)
		s := actual.(*slot[V])
		s.mu.Lock()
		if !s.dead && s.present && expired(key, s.val) {
			t.kill(key, s)
			removed++
		}
		s.mu.Unlock()
		return true
	})
	return removed
}

// Range calls fn with a copy of each present entry until fn returns false.
func (t *Table[K, V]) Range(fn func(key K, v V) bool) {
	t.m.Range(func(k, actual any) bool {
		s := actual.(*slot[V])
		s.mu.Lock()
		v, ok := s.val, !s.dead && s.present
		s.mu.Unlock()
		if !ok {
			return true
		}
		return fn(k.(K), v)
	})
}

// Len counts present entries.
func (t *Table[K, V]) Len() int {
	n := 0
	t.m.Range(func(_, actual any) bool {
		s := actual.(*slot[V])
		s.mu.Lock()
		if !s.dead && s.present {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

// kill marks s dead and unlinks it. Callers hold s.mu.
func (t *Table[K, V]) kill(key K, s *slot[V]) {
	var zero V
	s.val = zero
	s.present = false
	s.dead = true
	t.m.CompareAndDelete(key, s)
}
