package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/hub"
	"github.com/ernie/imuhub/internal/storage"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireStore writes 503 and returns false when persistence is off
func (r *Router) requireStore(w http.ResponseWriter) bool {
	if r.store == nil {
		writeError(w, http.StatusServiceUnavailable, ErrStoreDisabled.Error())
		return false
	}
	return true
}

// statsResponse is the /stats body
type statsResponse struct {
	hub.Status
	DBEnabled  bool   `json:"db_enabled"`
	LogPath    string `json:"log_path"`
	LatestPath string `json:"latest_path"`
	HTMLPath   string `json:"html_path"`
}

type rowsResponse struct {
	Rows any `json:"rows"`
}

// handleStats returns a snapshot of connections, queue and matches
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	st, err := r.hub.Status(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Status:     st,
		DBEnabled:  r.store != nil,
		LogPath:    r.opts.LogPath,
		LatestPath: r.opts.LatestPath,
		HTMLPath:   r.opts.HTMLPath,
	})
}

// handleLeaderboard returns the top players
func (r *Router) handleLeaderboard(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}
	rows, err := r.store.Leaderboard(req.Context(), parseCount(req))
	if err != nil {
		log.Printf("Error querying leaderboard: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	if rows == nil {
		rows = []domain.PlayerStats{}
	}
	writeJSON(w, http.StatusOK, rowsResponse{Rows: rows})
}

// handleMatches returns the most recently started matches
func (r *Router) handleMatches(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}
	rows, err := r.store.RecentMatches(req.Context(), parseCount(req))
	if err != nil {
		log.Printf("Error querying matches: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load matches")
		return
	}
	if rows == nil {
		rows = []domain.MatchSummary{}
	}
	writeJSON(w, http.StatusOK, rowsResponse{Rows: rows})
}

// handleMatch returns one match
func (r *Router) handleMatch(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}
	m, err := r.store.MatchByID(req.Context(), req.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	if err != nil {
		log.Printf("Error querying match: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load match")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type eventView struct {
	ServerTS float64         `json:"server_ts"`
	UID      string          `json:"uid"`
	Name     string          `json:"name"`
	Role     domain.Role     `json:"role"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// handleMatchEvents returns the frames logged for a match
func (r *Router) handleMatchEvents(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}
	events, err := r.store.MatchEvents(req.Context(), req.PathValue("id"), parseLimit(req, 500, 5000))
	if err != nil {
		log.Printf("Error querying match events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	rows := make([]eventView, len(events))
	for i, e := range events {
		payload := e.Payload
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		rows[i] = eventView{
			ServerTS: domain.Epoch(e.At),
			UID:      e.UID,
			Name:     e.Name,
			Role:     e.Role,
			Type:     e.Type,
			Payload:  payload,
		}
	}
	writeJSON(w, http.StatusOK, rowsResponse{Rows: rows})
}

// handlePlayer returns one player's stats
func (r *Router) handlePlayer(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}
	ps, err := r.store.PlayerStats(req.Context(), req.PathValue("uid"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	if err != nil {
		log.Printf("Error querying player: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load player")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		domain.PlayerStats
		Losses int64 `json:"losses"`
	}{*ps, ps.Losses()})
}

// handleLatest returns the last frame from a uid, or {}
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	uid := strings.TrimSpace(req.URL.Query().Get("uid"))
	var latest json.RawMessage
	if uid != "" {
		var err error
		latest, err = r.hub.Latest(req.Context(), uid)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	if latest == nil {
		latest = json.RawMessage("{}")
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleQR renders a QR code pointing phones at the control page
func (r *Router) handleQR(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Query().Get("path")
	if path == "" {
		path = "/sensor.html"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	base := strings.TrimRight(r.opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if req.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + req.Host
	}

	png, err := qrcode.Encode(base+path, qrcode.Medium, parseSize(req, 256, 64, 1024))
	if err != nil {
		log.Printf("Error encoding QR code: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleHealth returns OK if the server is running
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
