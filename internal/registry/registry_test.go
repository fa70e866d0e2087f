package registry

import (
	"testing"
	"time"

	"github.com/ernie/imuhub/internal/domain"
)

type fakeConn struct{ addr string }

func (f *fakeConn) Send([]byte) error  { return nil }
func (f *fakeConn) Close() error       { return nil }
func (f *fakeConn) RemoteAddr() string { return f.addr }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	c := &fakeConn{addr: "10.0.0.1"}
	s := r.Register(c, domain.RolePhone, "a", "Ann", time.Now())

	if s.Remote != "10.0.0.1" || s.Role != domain.RolePhone {
		t.Errorf("unexpected session %+v", s)
	}
	got, gs, ok := r.LookupByUID("a")
	if !ok || got != c || gs != s {
		t.Error("LookupByUID did not return the registered connection")
	}
	if bs, ok := r.LookupByConn(c); !ok || bs != s {
		t.Error("LookupByConn did not return the session")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRemap(t *testing.T) {
	r := New()
	c := &fakeConn{}
	r.Register(c, domain.RolePhone, "old", "", time.Now())

	if err := r.Remap(c, "new"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.LookupByUID("old"); ok {
		t.Error("old uid still resolves after remap")
	}
	if got, s, ok := r.LookupByUID("new"); !ok || got != c || s.UID != "new" {
		t.Error("new uid does not resolve to the connection")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if err := r.Remap(&fakeConn{}, "x"); err != ErrNotRegistered {
		t.Errorf("Remap unknown = %v", err)
	}
}

func TestRemapKeepsSupersedingBinding(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register(first, domain.RolePhone, "a", "", time.Now())
	r.Register(second, domain.RolePhone, "a", "", time.Now())

	// first no longer owns "a", so remapping it must not unbind second
	if err := r.Remap(first, "b"); err != nil {
		t.Fatal(err)
	}
	if c, _, _ := r.LookupByUID("a"); c != second {
		t.Error("remap of superseded connection removed the newer binding")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register(first, domain.RolePhone, "a", "", time.Now())
	r.Register(second, domain.RolePhone, "a", "", time.Now())

	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
	s, ok := r.Unregister(first)
	if !ok || s.UID != "a" {
		t.Fatal("Unregister did not return the session")
	}
	if c, _, ok := r.LookupByUID("a"); !ok || c != second {
		t.Error("unregistering a superseded connection dropped the live binding")
	}
	if _, ok := r.Unregister(first); ok {
		t.Error("second Unregister should be a no-op")
	}
	r.Unregister(second)
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestListByRoleOrder(t *testing.T) {
	r := New()
	var ues []*fakeConn
	for i := 0; i < 5; i++ {
		c := &fakeConn{}
		ues = append(ues, c)
		r.Register(c, domain.RoleUE, string(rune('a'+i)), "", time.Now())
		r.Register(&fakeConn{}, domain.RolePhone, string(rune('p'+i)), "", time.Now())
	}
	list := r.ListByRole(domain.RoleUE)
	if len(list) != 5 {
		t.Fatalf("got %d ue entries", len(list))
	}
	for i, e := range list {
		if e.Conn != ues[i] {
			t.Errorf("entry %d out of registration order", i)
		}
	}
	if len(r.All()) != 10 {
		t.Errorf("All = %d", len(r.All()))
	}
}

func TestLookupSeatIgnoresUIDChanges(t *testing.T) {
	r := New()
	c := &fakeConn{}
	s := r.Register(c, domain.RolePhone, "a", "", time.Now())
	s.MatchID = "m1"
	s.Seat = "a"
	if err := r.Remap(c, "a2"); err != nil {
		t.Fatal(err)
	}

	if got, gs, ok := r.LookupSeat("m1", "a"); !ok || got != c || gs.UID != "a2" {
		t.Errorf("LookupSeat = %v %+v %v", got, gs, ok)
	}
	if _, _, ok := r.LookupSeat("m2", "a"); ok {
		t.Error("seat found in the wrong match")
	}
	if _, _, ok := r.LookupSeat("m1", ""); ok {
		t.Error("empty seat matched")
	}
}
