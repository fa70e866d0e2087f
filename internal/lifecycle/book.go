// Package lifecycle owns the authoritative state of every match.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/registry"
)

var (
	ErrUnknownMatch = errors.New("unknown match_id")
	ErrInvalidState = errors.New("match not running")
)

// StateError carries the state a rejected transition found
type StateError struct {
	State domain.MatchState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("match not running (state=%s)", e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// Sessions resolves a uid, or a seat in a match, to its live session
type Sessions interface {
	LookupByUID(uid string) (registry.Conn, *domain.Session, bool)
	LookupSeat(matchID, seat string) (registry.Conn, *domain.Session, bool)
}

// Book holds every match created during the process lifetime. Like the
// registry it belongs to the hub's event loop and is not locked.
type Book struct {
	matches  map[string]*domain.Match
	sessions Sessions
}

// NewBook creates an empty match book
func NewBook(sessions Sessions) *Book {
	return &Book{
		matches:  make(map[string]*domain.Match),
		sessions: sessions,
	}
}

// Start creates a running match between two sessions and stamps both with
// its id. The seats are fixed to the sessions' current uids.
func (b *Book) Start(p1, p2 *domain.Session, at time.Time) *domain.Match {
	id := domain.NewMatchID(at)
	for b.matches[id] != nil {
		id = domain.NewMatchID(at)
	}
	m := &domain.Match{
		ID:        id,
		CreatedAt: at,
		StartedAt: at,
		State:     domain.MatchRunning,
		P1UID:     p1.UID,
		P1Name:    p1.Name,
		P2UID:     p2.UID,
		P2Name:    p2.Name,
	}
	b.matches[id] = m
	for _, s := range []*domain.Session{p1, p2} {
		s.MatchID = id
		s.Seat = s.UID
		s.InQueue = false
	}
	return m
}

// Get returns a match by id
func (b *Book) Get(id string) (*domain.Match, bool) {
	m, ok := b.matches[id]
	return m, ok
}

// Resolve ends a running match with winnerUID. payload is stored verbatim
// as the result. A winner that is neither participant is recorded as-is;
// nobody gets the win.
func (b *Book) Resolve(id, winnerUID string, payload json.RawMessage, at time.Time) (*domain.Match, error) {
	m, ok := b.matches[id]
	if !ok {
		return nil, ErrUnknownMatch
	}
	if m.State != domain.MatchRunning {
		return m, &StateError{State: m.State}
	}
	m.State = domain.MatchEnded
	m.EndedAt = at
	m.WinnerUID = winnerUID
	m.ResultJSON = string(payload)
	b.release(m)
	return m, nil
}

// Abort cancels a match that has not finished. Aborting a match that is
// already ended or aborted returns ErrInvalidState and changes nothing.
func (b *Book) Abort(id, reason string, at time.Time) (*domain.Match, error) {
	m, ok := b.matches[id]
	if !ok {
		return nil, ErrUnknownMatch
	}
	if m.State.Terminal() {
		return m, &StateError{State: m.State}
	}
	result, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil, fmt.Errorf("encoding abort reason: %w", err)
	}
	m.State = domain.MatchAborted
	m.EndedAt = at
	m.ResultJSON = string(result)
	b.release(m)
	return m, nil
}

// release clears the match from any participant still pointing at it
func (b *Book) release(m *domain.Match) {
	if b.sessions == nil {
		return
	}
	for _, seat := range []string{m.P1UID, m.P2UID} {
		if _, s, ok := b.sessions.LookupSeat(m.ID, seat); ok {
			s.MatchID = ""
			s.Seat = ""
		}
	}
}

// Running returns the ids of running matches, oldest first
func (b *Book) Running() []string {
	var running []*domain.Match
	for _, m := range b.matches {
		if m.State == domain.MatchRunning {
			running = append(running, m)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		if running[i].StartedAt.Equal(running[j].StartedAt) {
			return running[i].ID < running[j].ID
		}
		return running[i].StartedAt.Before(running[j].StartedAt)
	})
	ids := make([]string, len(running))
	for i, m := range running {
		ids[i] = m.ID
	}
	return ids
}

// Count returns the number of matches ever created
func (b *Book) Count() int {
	return len(b.matches)
}
