package reminder

import "sync"

// Locks serializes lifecycle operations per reminder id.
//
// The controller and the sweeper can both act on the same reminder (a user
// tapping "done" while a catch-up step runs); both must hold the id's lock
// for the duration of their read-modify-write.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: map[string]*entry{}}
}

// Lock acquires the lock for id and returns its unlock function.
func (l *Locks) Lock(id string) func() {
	l.mu.Lock()
	e := l.locks[id]
	if e == nil {
		e = &entry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
