// Package matchmaking pairs queued phones into matches, strictly first come
// first served.
package matchmaking

import (
	"time"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/lifecycle"
)

// Engine is the FIFO waiting queue. It is owned by the hub's event loop.
type Engine struct {
	queue    []string
	sessions lifecycle.Sessions
	book     *lifecycle.Book
}

// New creates an engine that resolves queued uids through sessions and
// opens matches in book
func New(sessions lifecycle.Sessions, book *lifecycle.Book) *Engine {
	return &Engine{sessions: sessions, book: book}
}

// Enqueue appends uid if it is not already waiting and marks the session
// bound to uid as queued either way. Callers check match membership first.
// It reports whether uid was added.
func (e *Engine) Enqueue(uid string) bool {
	if _, s, ok := e.sessions.LookupByUID(uid); ok {
		s.InQueue = true
	}
	if e.Contains(uid) {
		return false
	}
	e.queue = append(e.queue, uid)
	return true
}

// Dequeue removes uid if present
func (e *Engine) Dequeue(uid string) {
	for i, q := range e.queue {
		if q == uid {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	if _, s, ok := e.sessions.LookupByUID(uid); ok {
		s.InQueue = false
	}
}

// Rename keeps a waiting player's place when their uid changes
func (e *Engine) Rename(oldUID, newUID string) {
	if oldUID == newUID {
		return
	}
	for i, q := range e.queue {
		if q == oldUID {
			if e.Contains(newUID) {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
			} else {
				e.queue[i] = newUID
			}
			return
		}
	}
}

// Contains reports whether uid is waiting
func (e *Engine) Contains(uid string) bool {
	for _, q := range e.queue {
		if q == uid {
			return true
		}
	}
	return false
}

// Len returns the number of waiting uids
func (e *Engine) Len() int {
	return len(e.queue)
}

// Snapshot returns the queue in order
func (e *Engine) Snapshot() []string {
	return append([]string{}, e.queue...)
}

// DrainAndPair pops the two longest waiting uids until fewer than two
// remain. A pair where either uid no longer resolves to a session is
// dropped without requeueing the survivor.
func (e *Engine) DrainAndPair(at time.Time) []*domain.Match {
	var started []*domain.Match
	for len(e.queue) >= 2 {
		uid1, uid2 := e.queue[0], e.queue[1]
		e.queue = e.queue[2:]

		_, s1, ok1 := e.sessions.LookupByUID(uid1)
		_, s2, ok2 := e.sessions.LookupByUID(uid2)
		if !ok1 || !ok2 {
			for _, s := range []*domain.Session{s1, s2} {
				if s != nil {
					s.InQueue = false
				}
			}
			continue
		}
		started = append(started, e.book.Start(s1, s2, at))
	}
	return started
}
