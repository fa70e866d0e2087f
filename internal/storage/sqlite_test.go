package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/imuhub/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "imu.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func resolved(id, p1, p2, winner string, at time.Time) *domain.Match {
	return &domain.Match{
		ID:         id,
		CreatedAt:  at,
		StartedAt:  at,
		EndedAt:    at.Add(time.Minute),
		State:      domain.MatchEnded,
		P1UID:      p1,
		P1Name:     p1 + "-name",
		P2UID:      p2,
		P2Name:     p2 + "-name",
		WinnerUID:  winner,
		ResultJSON: `{"winner_uid":"` + winner + `"}`,
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imu.db")
	for i := 0; i < 2; i++ {
		s, err := New(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

func TestSaveMatchKeepsParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now()
	m := &domain.Match{ID: "m1", CreatedAt: at, StartedAt: at, State: domain.MatchRunning,
		P1UID: "a", P1Name: "Ann", P2UID: "b", P2Name: "Bob"}
	if err := s.SaveMatch(ctx, m); err != nil {
		t.Fatal(err)
	}

	changed := *m
	changed.P1Name = "Mallory"
	changed.State = domain.MatchAborted
	changed.EndedAt = at.Add(time.Second)
	changed.ResultJSON = `{"reason":"leave:a"}`
	if err := s.SaveMatch(ctx, &changed); err != nil {
		t.Fatal(err)
	}

	got, err := s.MatchByID(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.MatchAborted || got.ResultJSON != `{"reason":"leave:a"}` || got.EndedTS == 0 {
		t.Errorf("outcome not updated: %+v", got)
	}
	if got.P1.Name != "Ann" {
		t.Errorf("participant name rewritten to %q", got.P1.Name)
	}
	if _, err := s.MatchByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing match err = %v", err)
	}
}

func TestStatsAfterResolvedMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now()

	winners := []string{"u", "v", "u", "nobody", "u"}
	for i, w := range winners {
		m := resolved("m"+string(rune('0'+i)), "u", "v", w, at.Add(time.Duration(i)*time.Minute))
		if err := s.SaveMatch(ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := s.RecordResult(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	// aborted matches never touch stats
	aborted := resolved("mx", "u", "v", "", at)
	aborted.State = domain.MatchAborted
	if err := s.SaveMatch(ctx, aborted); err != nil {
		t.Fatal(err)
	}

	u, err := s.PlayerStats(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if u.GamesPlayed != 5 || u.Wins != 3 || u.Losses() != 2 {
		t.Errorf("u = %+v", u)
	}
	v, _ := s.PlayerStats(ctx, "v")
	if v.GamesPlayed != 5 || v.Wins != 1 {
		t.Errorf("v = %+v", v)
	}
	if _, err := s.PlayerStats(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("non-participant winner got a stats row: %v", err)
	}
}

func TestLeaderboardOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_stats (uid, name, games_played, wins, last_seen) VALUES
			('U2', 'two', 8, 5, 300),
			('U1', 'one', 10, 5, 100),
			('U3', 'three', 3, 1, 900),
			('U4', 'four', 8, 5, 400)
	`)
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.Leaderboard(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"U1", "U4", "U2", "U3"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows", len(rows))
	}
	for i, uid := range want {
		if rows[i].UID != uid {
			t.Errorf("row %d = %s, want %s", i, rows[i].UID, uid)
		}
	}

	one, err := s.Leaderboard(ctx, 0)
	if err != nil || len(one) != 1 {
		t.Errorf("n=0 should clamp to 1, got %d rows (%v)", len(one), err)
	}
}

func TestRecentMatchesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		m := resolved(id, "a", "b", "a", base.Add(time.Duration(i)*time.Hour))
		if err := s.SaveMatch(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := s.RecentMatches(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].MatchID != "new" || rows[1].MatchID != "mid" {
		t.Errorf("recent = %+v", rows)
	}
	if rows[0].P1.UID != "a" || rows[0].WinnerUID != "a" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestEventsAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for i, age := range []time.Duration{48 * time.Hour, time.Hour, 0} {
		rec := domain.EventRecord{
			At:      now.Add(-age),
			UID:     "a",
			Role:    domain.RolePhone,
			Type:    domain.TypeIMU,
			MatchID: "m1",
			Payload: json.RawMessage(`{"type":"imu","n":` + string(rune('0'+i)) + `}`),
		}
		if err := s.RecordEvent(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveMatch(ctx, resolved("m1", "a", "b", "a", now)); err != nil {
		t.Fatal(err)
	}
	if d, _ := s.MatchByID(ctx, "m1"); d.EventCount != 3 {
		t.Errorf("EventCount = %d", d.EventCount)
	}

	n, err := s.PruneEvents(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneEvents = %d, %v", n, err)
	}
	events, err := s.MatchEvents(ctx, "m1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || string(events[0].Payload) != `{"type":"imu","n":1}` {
		t.Errorf("events = %+v", events)
	}
}
