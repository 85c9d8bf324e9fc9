package modelcache

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLocks is a table of per-name mutexes. Entries are reference counted and
// removed once nobody holds or waits for them, so the table never grows with the
// number of distinct keys ever seen.
type keyLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyLocks() *keyLocks {
	return &keyLocks{entries: make(map[string]*lockEntry)}
}

func (l *keyLocks) ref(name string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	if !ok {
		e = &lockEntry{}
		l.entries[name] = e
	}
	e.refs++
	return e
}

func (l *keyLocks) unref(name string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}

// Lock blocks until name is exclusively held and returns the release func
func (l *keyLocks) Lock(name string) func() {
	e := l.ref(name)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.unref(name, e)
	}
}

// Pin marks name as in use without taking its mutex. A pinned name is never
// evicted, but Lock on it still succeeds.
func (l *keyLocks) Pin(name string) func() {
	e := l.ref(name)
	var once sync.Once
	return func() {
		once.Do(func() { l.unref(name, e) })
	}
}

// TryLockIdle locks name only if nobody else references it
func (l *keyLocks) TryLockIdle(name string) (func(), bool) {
	l.mu.Lock()
	if _, busy := l.entries[name]; busy {
		l.mu.Unlock()
		return nil, false
	}
	e := &lockEntry{refs: 1}
	e.mu.Lock()
	l.entries[name] = e
	l.mu.Unlock()

	return func() {
		e.mu.Unlock()
		l.unref(name, e)
	}, true
}

func (l *keyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
