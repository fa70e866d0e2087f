package matchmaking

import (
	"testing"
	"time"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/lifecycle"
	"github.com/ernie/imuhub/internal/registry"
)

type fakeConn struct{ uid string }

func (f *fakeConn) Send([]byte) error  { return nil }
func (f *fakeConn) Close() error       { return nil }
func (f *fakeConn) RemoteAddr() string { return "" }

func newEngine(uids ...string) (*Engine, *registry.Registry) {
	reg := registry.New()
	for _, uid := range uids {
		reg.Register(&fakeConn{uid}, domain.RolePhone, uid, uid, time.Now())
	}
	return New(reg, lifecycle.NewBook(reg)), reg
}

func TestPairsInArrivalOrder(t *testing.T) {
	e, reg := newEngine("A", "B", "C", "D")
	for _, uid := range []string{"A", "B", "C", "D"} {
		e.Enqueue(uid)
	}

	matches := e.DrainAndPair(time.Now())
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	want := [][2]string{{"A", "B"}, {"C", "D"}}
	for i, m := range matches {
		if m.P1UID != want[i][0] || m.P2UID != want[i][1] {
			t.Errorf("match %d = (%s,%s), want %v", i, m.P1UID, m.P2UID, want[i])
		}
	}
	if e.Len() != 0 {
		t.Errorf("queue not drained: %v", e.Snapshot())
	}
	_, a, _ := reg.LookupByUID("A")
	if a.InQueue || a.MatchID != matches[0].ID {
		t.Errorf("session A not moved into its match: %+v", a)
	}
}

func TestOddPlayerKeepsWaiting(t *testing.T) {
	e, _ := newEngine("A", "B", "C")
	for _, uid := range []string{"A", "B", "C"} {
		e.Enqueue(uid)
	}
	if n := len(e.DrainAndPair(time.Now())); n != 1 {
		t.Fatalf("got %d matches", n)
	}
	if q := e.Snapshot(); len(q) != 1 || q[0] != "C" {
		t.Errorf("queue = %v, want [C]", q)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	e, reg := newEngine("A")
	if !e.Enqueue("A") {
		t.Error("first Enqueue should add")
	}
	if e.Enqueue("A") {
		t.Error("second Enqueue should be a no-op")
	}
	if e.Len() != 1 {
		t.Errorf("Len = %d", e.Len())
	}
	_, s, _ := reg.LookupByUID("A")
	if !s.InQueue {
		t.Error("InQueue not set")
	}
	e.Dequeue("A")
	e.Dequeue("A")
	if e.Len() != 0 || s.InQueue {
		t.Error("Dequeue did not clear membership")
	}
}

func TestMissingSessionDropsPair(t *testing.T) {
	e, reg := newEngine("A", "B", "C", "D")
	for _, uid := range []string{"A", "B", "C", "D"} {
		e.Enqueue(uid)
	}
	c, _, _ := reg.LookupByUID("B")
	reg.Unregister(c)

	matches := e.DrainAndPair(time.Now())
	if len(matches) != 1 || matches[0].P1UID != "C" || matches[0].P2UID != "D" {
		t.Fatalf("unexpected matches %v", matches)
	}
	_, a, _ := reg.LookupByUID("A")
	if a.InQueue || a.MatchID != "" {
		t.Errorf("survivor of a dropped pair should be idle: %+v", a)
	}
}

func TestRename(t *testing.T) {
	e, _ := newEngine("A", "B")
	e.Enqueue("A")
	e.Enqueue("B")
	e.Rename("A", "Z")
	if q := e.Snapshot(); q[0] != "Z" || q[1] != "B" {
		t.Errorf("queue = %v", q)
	}
	e.Rename("Z", "B")
	if q := e.Snapshot(); len(q) != 1 || q[0] != "B" {
		t.Errorf("queue after collapsing rename = %v", q)
	}
}
