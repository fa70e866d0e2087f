package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MatchState is the lifecycle state of a match
type MatchState string

const (
	MatchWaiting MatchState = "waiting"
	MatchRunning MatchState = "running"
	MatchEnded   MatchState = "ended"
	MatchAborted MatchState = "aborted"
)

// Terminal reports whether no further transition is allowed from s
func (s MatchState) Terminal() bool {
	return s == MatchEnded || s == MatchAborted
}

// Match is a head-to-head contest between two phone identities
type Match struct {
	ID         string     `json:"match_id"`
	CreatedAt  time.Time  `json:"-"`
	StartedAt  time.Time  `json:"-"`
	EndedAt    time.Time  `json:"-"`
	State      MatchState `json:"state"`
	P1UID      string     `json:"p1_uid"`
	P1Name     string     `json:"p1_name"`
	P2UID      string     `json:"p2_uid"`
	P2Name     string     `json:"p2_name"`
	WinnerUID  string     `json:"winner_uid"`
	ResultJSON string     `json:"result_json"`
}

// Has reports whether uid is one of the two participants
func (m *Match) Has(uid string) bool {
	return uid != "" && (uid == m.P1UID || uid == m.P2UID)
}

// Opponent returns the other participant's uid, or "" if uid is not playing
func (m *Match) Opponent(uid string) string {
	switch uid {
	case m.P1UID:
		return m.P2UID
	case m.P2UID:
		return m.P1UID
	}
	return ""
}

// Players returns both participants in seat order
func (m *Match) Players() []PlayerRef {
	return []PlayerRef{
		{UID: m.P1UID, Name: m.P1Name},
		{UID: m.P2UID, Name: m.P2Name},
	}
}

// NewMatchID builds an id from the creation time in milliseconds plus a
// short random suffix, e.g. m1718000000000_3fa9c2
func NewMatchID(at time.Time) string {
	suffix := uuid.New().String()
	return fmt.Sprintf("m%d_%s", at.UnixMilli(), suffix[:6])
}

// PlayerRef identifies a participant
type PlayerRef struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// MatchSummary is a persisted match as returned by the recent-matches query
type MatchSummary struct {
	MatchID   string     `json:"match_id"`
	StartedTS float64    `json:"started_ts"`
	EndedTS   float64    `json:"ended_ts"`
	State     MatchState `json:"state"`
	P1        PlayerRef  `json:"p1"`
	P2        PlayerRef  `json:"p2"`
	WinnerUID string     `json:"winner_uid"`
}

// MatchDetail is a single persisted match including its result payload
type MatchDetail struct {
	MatchSummary
	CreatedTS  float64 `json:"created_ts"`
	ResultJSON string  `json:"result_json"`
	EventCount int64   `json:"event_count"`
}
