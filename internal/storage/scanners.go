package storage

import (
	"github.com/ernie/imuhub/internal/domain"
)

// Row types for sqlx scans. Nullable text columns are COALESCEd in the
// queries so plain strings are enough here.

type statsRow struct {
	UID         string  `db:"uid"`
	Name        string  `db:"name"`
	GamesPlayed int64   `db:"games_played"`
	Wins        int64   `db:"wins"`
	LastSeen    float64 `db:"last_seen"`
}

func (r statsRow) toDomain() domain.PlayerStats {
	return domain.PlayerStats{
		UID:         r.UID,
		Name:        r.Name,
		GamesPlayed: r.GamesPlayed,
		Wins:        r.Wins,
		LastSeen:    r.LastSeen,
	}
}

type matchRow struct {
	MatchID    string  `db:"match_id"`
	CreatedTS  float64 `db:"created_ts"`
	StartedTS  float64 `db:"started_ts"`
	EndedTS    float64 `db:"ended_ts"`
	State      string  `db:"state"`
	P1UID      string  `db:"p1_uid"`
	P1Name     string  `db:"p1_name"`
	P2UID      string  `db:"p2_uid"`
	P2Name     string  `db:"p2_name"`
	WinnerUID  string  `db:"winner_uid"`
	ResultJSON string  `db:"result_json"`
	EventCount int64   `db:"event_count"`
}

func (r matchRow) summary() domain.MatchSummary {
	return domain.MatchSummary{
		MatchID:   r.MatchID,
		StartedTS: r.StartedTS,
		EndedTS:   r.EndedTS,
		State:     domain.MatchState(r.State),
		P1:        domain.PlayerRef{UID: r.P1UID, Name: r.P1Name},
		P2:        domain.PlayerRef{UID: r.P2UID, Name: r.P2Name},
		WinnerUID: r.WinnerUID,
	}
}

func (r matchRow) detail() *domain.MatchDetail {
	return &domain.MatchDetail{
		MatchSummary: r.summary(),
		CreatedTS:    r.CreatedTS,
		ResultJSON:   r.ResultJSON,
		EventCount:   r.EventCount,
	}
}

type eventRow struct {
	ID          int64   `db:"id"`
	ServerTS    float64 `db:"server_ts"`
	UID         string  `db:"uid"`
	Name        string  `db:"name"`
	Role        string  `db:"role"`
	Type        string  `db:"type"`
	MatchID     string  `db:"match_id"`
	PayloadJSON string  `db:"payload_json"`
}

func (r eventRow) toDomain() domain.EventRecord {
	return domain.EventRecord{
		At:      domain.FromEpoch(r.ServerTS),
		UID:     r.UID,
		Name:    r.Name,
		Role:    domain.Role(r.Role),
		Type:    r.Type,
		MatchID: r.MatchID,
		Payload: []byte(r.PayloadJSON),
	}
}
