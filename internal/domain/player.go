package domain

// PlayerStats is the cumulative record for one uid. Only resolved matches count.
type PlayerStats struct {
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	GamesPlayed int64   `json:"games"`
	Wins        int64   `json:"wins"`
	LastSeen    float64 `json:"last_seen"`
}

// Losses counts every resolved game not won, including results whose winner
// named neither participant
func (p PlayerStats) Losses() int64 {
	return p.GamesPlayed - p.Wins
}

// ClampLimit bounds a requested row count to [1, 200]
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 200 {
		return 200
	}
	return n
}
