// Package registry tracks which connection belongs to which session identity.
//
// A Registry is not safe for concurrent use; it is owned by the hub's event
// loop.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/ernie/imuhub/internal/domain"
)

// ErrNotRegistered is returned when a connection has no session
var ErrNotRegistered = errors.New("connection not registered")

// Conn is the outbound half of a client connection. Send must not block:
// a closed connection or a full send buffer is reported as an error and the
// caller treats the peer as dead.
type Conn interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Entry pairs a live connection with its session
type Entry struct {
	Conn    Conn
	Session *domain.Session
}

type entry struct {
	session *domain.Session
	seq     uint64
}

// Registry maps connections to sessions and uids to connections
type Registry struct {
	byConn map[Conn]*entry
	byUID  map[string]Conn
	seq    uint64
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		byConn: make(map[Conn]*entry),
		byUID:  make(map[string]Conn),
	}
}

// Register creates a session for c. A uid already bound to another
// connection is rebound to c; the earlier connection stays registered until
// it is unregistered or fails a send.
func (r *Registry) Register(c Conn, role domain.Role, uid, name string, at time.Time) *domain.Session {
	if e, ok := r.byConn[c]; ok {
		return e.session
	}
	r.seq++
	s := &domain.Session{
		UID:         uid,
		Name:        name,
		Role:        role,
		Remote:      c.RemoteAddr(),
		ConnectedAt: at,
		LastSeen:    at,
	}
	r.byConn[c] = &entry{session: s, seq: r.seq}
	r.byUID[uid] = c
	return s
}

// Remap moves c's session to newUID. The old uid binding is dropped only if
// it still points at c.
func (r *Registry) Remap(c Conn, newUID string) error {
	e, ok := r.byConn[c]
	if !ok {
		return ErrNotRegistered
	}
	old := e.session.UID
	if old == newUID {
		return nil
	}
	if r.byUID[old] == c {
		delete(r.byUID, old)
	}
	e.session.UID = newUID
	r.byUID[newUID] = c
	return nil
}

// Unregister removes c and returns its final session. Unregistering an
// unknown connection is a no-op.
func (r *Registry) Unregister(c Conn) (*domain.Session, bool) {
	e, ok := r.byConn[c]
	if !ok {
		return nil, false
	}
	delete(r.byConn, c)
	if r.byUID[e.session.UID] == c {
		delete(r.byUID, e.session.UID)
	}
	return e.session, true
}

// LookupByUID returns the connection currently bound to uid
func (r *Registry) LookupByUID(uid string) (Conn, *domain.Session, bool) {
	c, ok := r.byUID[uid]
	if !ok {
		return nil, nil, false
	}
	return c, r.byConn[c].session, true
}

// LookupSeat returns the connection playing seat in matchID. Seats keep the
// uid a player had when the match started, so this still finds a player
// who has since changed uid.
func (r *Registry) LookupSeat(matchID, seat string) (Conn, *domain.Session, bool) {
	if matchID == "" || seat == "" {
		return nil, nil, false
	}
	var found Conn
	var best *entry
	for c, e := range r.byConn {
		if e.session.MatchID != matchID || e.session.Seat != seat {
			continue
		}
		if best == nil || e.seq > best.seq {
			found, best = c, e
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return found, best.session, true
}

// LookupByConn returns c's session
func (r *Registry) LookupByConn(c Conn) (*domain.Session, bool) {
	e, ok := r.byConn[c]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// ListByRole returns every registered connection with the given role in
// registration order
func (r *Registry) ListByRole(role domain.Role) []Entry {
	return r.list(func(s *domain.Session) bool { return s.Role == role })
}

// All returns every registered connection in registration order
func (r *Registry) All() []Entry {
	return r.list(func(*domain.Session) bool { return true })
}

func (r *Registry) list(keep func(*domain.Session) bool) []Entry {
	type ordered struct {
		Entry
		seq uint64
	}
	var out []ordered
	for c, e := range r.byConn {
		if keep(e.session) {
			out = append(out, ordered{Entry{Conn: c, Session: e.session}, e.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	entries := make([]Entry, len(out))
	for i, o := range out {
		entries[i] = o.Entry
	}
	return entries
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	return len(r.byConn)
}
