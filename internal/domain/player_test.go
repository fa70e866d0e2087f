package domain

import "testing"

func TestLosses(t *testing.T) {
	// Two wins, one loss and one result crediting a third party
	p := PlayerStats{UID: "a", GamesPlayed: 4, Wins: 2}
	if got := p.Losses(); got != 2 {
		t.Errorf("Losses = %d, want 2", got)
	}
	if got := (PlayerStats{}).Losses(); got != 0 {
		t.Errorf("empty Losses = %d", got)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{-1: 1, 0: 1, 1: 1, 50: 50, 200: 200, 201: 200} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
