package transport

import (
	"slices"
	"sync"
)

// listeners is a set of update subscribers safe for concurrent use.
type listeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(Update)
}

func (l *listeners) add(fn func(Update)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(Update))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// emit calls every subscriber in registration order. Subscribers run outside
// the lock so they may detach themselves.
func (l *listeners) emit(u Update) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(Update), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
