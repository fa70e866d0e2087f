package domain

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Role is the capability class of a session, fixed when it connects
type Role string

const (
	RolePhone Role = "phone"
	RoleUE    Role = "ue"
)

// MaxIdentLen caps uids and display names
const MaxIdentLen = 64

// ParseRole normalises the role query parameter. Anything other than "ue"
// is treated as a phone.
func ParseRole(s string) Role {
	if Role(strings.ToLower(strings.TrimSpace(s))) == RoleUE {
		return RoleUE
	}
	return RolePhone
}

// Session is one connected client identity
type Session struct {
	UID         string    `json:"uid"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	RecvCount   int64     `json:"recv_count"`
	MatchID     string    `json:"match_id"`
	InQueue     bool      `json:"in_queue"`
	// Seat is the uid this session plays under in MatchID, as announced in
	// match_start. It does not follow later uid changes.
	Seat string `json:"-"`
}

// SessionView is the JSON shape of a session in /stats and device lists
type SessionView struct {
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	Role        Role    `json:"role"`
	Remote      string  `json:"remote"`
	ConnectedAt float64 `json:"connected_at"`
	LastSeen    float64 `json:"last_seen"`
	RecvCount   int64   `json:"recv_count"`
	MatchID     string  `json:"match_id"`
	InQueue     bool    `json:"in_queue"`
}

// View returns a copy of the session suitable for serialisation
func (s *Session) View() SessionView {
	return SessionView{
		UID:         s.UID,
		Name:        s.Name,
		Role:        s.Role,
		Remote:      s.Remote,
		ConnectedAt: Epoch(s.ConnectedAt),
		LastSeen:    Epoch(s.LastSeen),
		RecvCount:   s.RecvCount,
		MatchID:     s.MatchID,
		InQueue:     s.InQueue,
	}
}

// Touch records an inbound frame
func (s *Session) Touch(at time.Time) {
	s.RecvCount++
	s.LastSeen = at
}

// SanitizeUID keeps letters, digits, '-' and '_' and caps the result at
// MaxIdentLen runes. An empty result yields fallback.
func SanitizeUID(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
			n++
			if n == MaxIdentLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// TruncateName trims surrounding space and caps a display name at MaxIdentLen runes
func TruncateName(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxIdentLen {
		return s
	}
	return string([]rune(s)[:MaxIdentLen])
}

// Epoch converts t to fractional seconds since the Unix epoch. The zero time maps to 0.
func Epoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromEpoch is the inverse of Epoch
func FromEpoch(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
