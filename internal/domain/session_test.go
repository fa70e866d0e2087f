package domain

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-DEF_123", "abc-DEF_123"},
		{"  spaced out  ", "spacedout"},
		{"drop;this'", "dropthis"},
		{"", "fb"},
		{"!!!", "fb"},
		{strings.Repeat("x", 80), strings.Repeat("x", MaxIdentLen)},
	}
	for _, tt := range tests {
		if got := SanitizeUID(tt.in, "fb"); got != tt.want {
			t.Errorf("SanitizeUID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateName(t *testing.T) {
	long := strings.Repeat("é", 70)
	if got := TruncateName(long); len([]rune(got)) != MaxIdentLen {
		t.Errorf("TruncateName kept %d runes", len([]rune(got)))
	}
	if got := TruncateName("  Ann  "); got != "Ann" {
		t.Errorf("TruncateName = %q", got)
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"ue":    RoleUE,
		"UE":    RoleUE,
		"phone": RolePhone,
		"":      RolePhone,
		"admin": RolePhone,
	} {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEpochRoundTrip(t *testing.T) {
	if Epoch(time.Time{}) != 0 {
		t.Error("zero time should map to 0")
	}
	at := time.Date(2024, 6, 1, 12, 0, 0, 250_000_000, time.UTC)
	back := FromEpoch(Epoch(at))
	if d := back.Sub(at); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("round trip drift %v", d)
	}
}

func TestSessionTouch(t *testing.T) {
	s := &Session{UID: "a"}
	at := time.Now()
	s.Touch(at)
	s.Touch(at)
	if s.RecvCount != 2 || !s.LastSeen.Equal(at) {
		t.Errorf("after Touch: %+v", s)
	}
}

func TestMatchOpponent(t *testing.T) {
	m := &Match{P1UID: "a", P2UID: "b"}
	if m.Opponent("a") != "b" || m.Opponent("b") != "a" || m.Opponent("c") != "" {
		t.Error("Opponent mismatch")
	}
	if !m.Has("a") || m.Has("") {
		t.Error("Has mismatch")
	}
	id := NewMatchID(time.UnixMilli(1718000000000))
	if !strings.HasPrefix(id, "m1718000000000_") || len(id) != len("m1718000000000_")+6 {
		t.Errorf("NewMatchID = %q", id)
	}
	if !MatchEnded.Terminal() || !MatchAborted.Terminal() || MatchRunning.Terminal() {
		t.Error("Terminal mismatch")
	}
}
