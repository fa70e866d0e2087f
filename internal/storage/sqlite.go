// Package storage is the durable SQLite record of events, matches and
// per-player stats.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ernie/imuhub/internal/domain"
)

// ErrNotFound is returned by single-row lookups with no match
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrations embed.FS

// Store provides database access
type Store struct {
	db *sqlx.DB
}

// New opens (creating if needed) the database at dbPath and brings its
// schema up to date. Databases created by earlier hub versions, which have
// the tables but no migration metadata, are adopted as-is.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	// m.Close would close db as well, so only the source is released
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Event methods ---

// RecordEvent appends one inbound frame to the event log
func (s *Store) RecordEvent(ctx context.Context, rec domain.EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (server_ts, uid, name, role, type, match_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, domain.Epoch(rec.At), rec.UID, rec.Name, string(rec.Role), rec.Type, rec.MatchID, string(rec.Payload))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// MatchEvents returns up to limit events tagged with matchID, oldest first
func (s *Store) MatchEvents(ctx context.Context, matchID string, limit int) ([]domain.EventRecord, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, server_ts, uid, COALESCE(name, '') AS name, COALESCE(role, '') AS role,
			COALESCE(type, '') AS type, COALESCE(match_id, '') AS match_id, payload_json
		FROM events
		WHERE match_id = ?
		ORDER BY server_ts, id
		LIMIT ?
	`, matchID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying match events: %w", err)
	}
	events := make([]domain.EventRecord, len(rows))
	for i, r := range rows {
		events[i] = r.toDomain()
	}
	return events, nil
}

// PruneEvents deletes events received before the cutoff and returns how
// many were removed
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE server_ts < ?", domain.Epoch(before))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

// --- Match methods ---

// SaveMatch inserts a match or, if it exists, updates only its outcome
// columns. Participants are fixed at creation.
func (s *Store) SaveMatch(ctx context.Context, m *domain.Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (match_id, created_ts, started_ts, ended_ts, state,
			p1_uid, p1_name, p2_uid, p2_name, winner_uid, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			ended_ts = excluded.ended_ts,
			state = excluded.state,
			winner_uid = excluded.winner_uid,
			result_json = excluded.result_json
	`, m.ID, domain.Epoch(m.CreatedAt), domain.Epoch(m.StartedAt), domain.Epoch(m.EndedAt), string(m.State),
		m.P1UID, m.P1Name, m.P2UID, m.P2Name, m.WinnerUID, m.ResultJSON)
	if err != nil {
		return fmt.Errorf("upserting match %s: %w", m.ID, err)
	}
	return nil
}

// RecordResult credits a played game to both participants of a resolved
// match and a win to the winner, if the winner is one of them
func (s *Store) RecordResult(ctx context.Context, m *domain.Match) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ts := domain.Epoch(m.EndedAt)
	for _, p := range m.Players() {
		won := 0
		if p.UID == m.WinnerUID {
			won = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO player_stats (uid, name, games_played, wins, last_seen)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				name = excluded.name,
				games_played = games_played + 1,
				wins = wins + excluded.wins,
				last_seen = excluded.last_seen
		`, p.UID, p.Name, won, ts)
		if err != nil {
			return fmt.Errorf("updating stats for %s: %w", p.UID, err)
		}
	}
	return tx.Commit()
}

const matchColumns = `
	m.match_id, m.created_ts, m.started_ts, m.ended_ts, m.state,
	m.p1_uid, COALESCE(m.p1_name, '') AS p1_name, m.p2_uid, COALESCE(m.p2_name, '') AS p2_name,
	COALESCE(m.winner_uid, '') AS winner_uid, COALESCE(m.result_json, '') AS result_json`

// RecentMatches returns the n most recently started matches
func (s *Store) RecentMatches(ctx context.Context, n int) ([]domain.MatchSummary, error) {
	var rows []matchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+matchColumns+`
		FROM matches m
		ORDER BY m.started_ts DESC
		LIMIT ?
	`, domain.ClampLimit(n))
	if err != nil {
		return nil, fmt.Errorf("querying recent matches: %w", err)
	}
	out := make([]domain.MatchSummary, len(rows))
	for i, r := range rows {
		out[i] = r.summary()
	}
	return out, nil
}

// MatchByID returns one match with its result payload and event count
func (s *Store) MatchByID(ctx context.Context, id string) (*domain.MatchDetail, error) {
	var row matchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+matchColumns+`,
			(SELECT COUNT(*) FROM events e WHERE e.match_id = m.match_id) AS event_count
		FROM matches m
		WHERE m.match_id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying match %s: %w", id, err)
	}
	return row.detail(), nil
}

// --- Stats methods ---

// Leaderboard returns the top n players by wins, then games played, then
// most recently seen
func (s *Store) Leaderboard(ctx context.Context, n int) ([]domain.PlayerStats, error) {
	var rows []statsRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT uid, COALESCE(name, '') AS name, games_played, wins, last_seen
		FROM player_stats
		ORDER BY wins DESC, games_played DESC, last_seen DESC
		LIMIT ?
	`, domain.ClampLimit(n))
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	out := make([]domain.PlayerStats, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// PlayerStats returns the stats record for uid
func (s *Store) PlayerStats(ctx context.Context, uid string) (*domain.PlayerStats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uid, COALESCE(name, '') AS name, games_played, wins, last_seen
		FROM player_stats
		WHERE uid = ?
	`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying player %s: %w", uid, err)
	}
	ps := row.toDomain()
	return &ps, nil
}
