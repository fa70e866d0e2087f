// Package hub routes frames between phones and ue listeners, runs
// matchmaking, and drives match lifecycle.
//
// All state lives in a single goroutine started by Run. Connections talk to
// it through Connect, Inbound and Disconnect; HTTP handlers read it through
// Status and Latest.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/lifecycle"
	"github.com/ernie/imuhub/internal/matchmaking"
	"github.com/ernie/imuhub/internal/registry"
)

// ErrStopped is returned by queries once Run has returned
var ErrStopped = errors.New("hub stopped")

// DefaultSummaryEvery is how many inbound frames pass between status log lines
const DefaultSummaryEvery = 200

// Options configures a Hub. Zero values get defaults.
type Options struct {
	Recorder     Recorder
	Observers    []Observer
	Publisher    Publisher
	WriteTimeout time.Duration
	SummaryEvery int64
	Now          func() time.Time
}

type eventKind int

const (
	evConnect eventKind = iota
	evInbound
	evDisconnect
	evQuery
)

type event struct {
	kind eventKind
	conn registry.Conn
	role domain.Role
	uid  string
	name string
	data []byte
	fn   func()
}

// Hub owns the registry, the match book and the waiting queue
type Hub struct {
	reg    *registry.Registry
	book   *lifecycle.Book
	queue  *matchmaking.Engine
	latest map[string]json.RawMessage

	recorder     Recorder
	observers    []Observer
	publisher    Publisher
	writeTimeout time.Duration
	summaryEvery int64
	now          func() time.Time

	recvTotal int64
	dead      []registry.Conn
	deadSet   map[registry.Conn]bool

	events chan event
	done   chan struct{}
}

// New creates a hub. Call Run to start processing.
func New(opts Options) *Hub {
	reg := registry.New()
	book := lifecycle.NewBook(reg)
	h := &Hub{
		reg:          reg,
		book:         book,
		queue:        matchmaking.New(reg, book),
		latest:       make(map[string]json.RawMessage),
		recorder:     opts.Recorder,
		observers:    opts.Observers,
		publisher:    opts.Publisher,
		writeTimeout: opts.WriteTimeout,
		summaryEvery: opts.SummaryEvery,
		now:          opts.Now,
		deadSet:      make(map[registry.Conn]bool),
		events:       make(chan event, 1024),
		done:         make(chan struct{}),
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.publisher == nil {
		h.publisher = nopPublisher{}
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 2 * time.Second
	}
	if h.summaryEvery <= 0 {
		h.summaryEvery = DefaultSummaryEvery
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Run processes events until ctx is cancelled, then closes every
// connection still registered
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, e := range h.reg.All() {
				e.Conn.Close()
			}
			return ctx.Err()
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evConnect:
		h.connect(ev.conn, ev.role, ev.uid, ev.name)
	case evInbound:
		h.inbound(ev.conn, ev.data)
	case evDisconnect:
		h.disconnect(ev.conn)
	case evQuery:
		ev.fn()
	}
	h.reap()
}

func (h *Hub) submit(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Connect registers a new connection. uid and name must already be
// sanitised.
func (h *Hub) Connect(c registry.Conn, role domain.Role, uid, name string) {
	h.submit(event{kind: evConnect, conn: c, role: role, uid: uid, name: name})
}

// Inbound hands one received frame to the hub
func (h *Hub) Inbound(c registry.Conn, data []byte) {
	h.submit(event{kind: evInbound, conn: c, data: data})
}

// Disconnect runs cleanup for a closed connection. It is safe to call more
// than once.
func (h *Hub) Disconnect(c registry.Conn) {
	h.submit(event{kind: evDisconnect, conn: c})
}

// do runs fn on the hub goroutine and waits for it
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ev := event{kind: evQuery, fn: func() {
		fn()
		close(finished)
	}}
	select {
	case h.events <- ev:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time view of the hub
type Status struct {
	ServerTS       float64              `json:"server_ts"`
	Clients        []domain.SessionView `json:"clients"`
	ClientsCount   int                  `json:"clients_count"`
	Queue          []string             `json:"queue"`
	QueueLen       int                  `json:"queue_len"`
	MatchesRunning []string             `json:"matches_running"`
	MatchesCount   int                  `json:"matches_count"`
	RecvTotal      int64                `json:"recv_total"`
}

// Status returns a snapshot of connected sessions, the queue and running
// matches
func (h *Hub) Status(ctx context.Context) (Status, error) {
	var st Status
	err := h.do(ctx, func() { st = h.status() })
	return st, err
}

func (h *Hub) status() Status {
	entries := h.reg.All()
	clients := make([]domain.SessionView, len(entries))
	for i, e := range entries {
		clients[i] = e.Session.View()
	}
	queue := h.queue.Snapshot()
	return Status{
		ServerTS:       domain.Epoch(h.now()),
		Clients:        clients,
		ClientsCount:   len(clients),
		Queue:          queue,
		QueueLen:       len(queue),
		MatchesRunning: h.book.Running(),
		MatchesCount:   h.book.Count(),
		RecvTotal:      h.recvTotal,
	}
}

// Latest returns the last frame received from uid, or nil
func (h *Hub) Latest(ctx context.Context, uid string) (json.RawMessage, error) {
	var out json.RawMessage
	err := h.do(ctx, func() { out = h.latest[uid] })
	return out, err
}

// LogSummary writes the one-line status summary
func (h *Hub) LogSummary(ctx context.Context) error {
	return h.do(ctx, h.logSummary)
}

func (h *Hub) logSummary() {
	log.Printf("Hub status: %d frames received, %d clients, %d queued, %d matches (%d running)",
		h.recvTotal, h.reg.Count(), h.queue.Len(), h.book.Count(), len(h.book.Running()))
}
