package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/hub"
)

// ErrStoreDisabled is reported by history endpoints when no database is configured
var ErrStoreDisabled = errors.New("DB not enabled. Run with --db imu.db")

// HistoryStore is the read side of the durable store
type HistoryStore interface {
	Leaderboard(ctx context.Context, n int) ([]domain.PlayerStats, error)
	RecentMatches(ctx context.Context, n int) ([]domain.MatchSummary, error)
	PlayerStats(ctx context.Context, uid string) (*domain.PlayerStats, error)
	MatchByID(ctx context.Context, id string) (*domain.MatchDetail, error)
	MatchEvents(ctx context.Context, matchID string, limit int) ([]domain.EventRecord, error)
}

// Options configures a Router
type Options struct {
	Hub *hub.Hub
	// Store is nil when persistence is off
	Store HistoryStore

	HTMLPath   string
	LogPath    string
	LatestPath string
	PublicURL  string
	FollowLog  bool

	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	hub       *hub.Hub
	store     HistoryStore
	logStream *LogStreamManager
	opts      Options
}

// NewRouter creates a new HTTP router
func NewRouter(opts Options) *Router {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 20 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	r := &Router{
		mux:   http.NewServeMux(),
		hub:   opts.Hub,
		store: opts.Store,
		opts:  opts,
	}

	// Control page
	r.mux.HandleFunc("GET /{$}", r.handlePage)
	r.mux.HandleFunc("GET /sensor.html", r.handlePage)

	// JSON routes
	r.handleJSON("GET /stats", r.handleStats)
	r.handleJSON("GET /leaderboard", r.handleLeaderboard)
	r.handleJSON("GET /matches", r.handleMatches)
	r.handleJSON("GET /matches/{id}", r.handleMatch)
	r.handleJSON("GET /matches/{id}/events", r.handleMatchEvents)
	r.handleJSON("GET /players/{uid}", r.handlePlayer)
	r.handleJSON("GET /latest", r.handleLatest)

	r.mux.HandleFunc("GET /qr.png", r.handleQR)

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/{$}", r.handleWebSocket)
	if opts.FollowLog && opts.LogPath != "" {
		r.logStream = NewLogStreamManager(opts.LogPath)
		r.mux.HandleFunc("GET /ws/logs", r.handleLogWebSocket)
	}

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// handleJSON registers a JSON endpoint behind gzip negotiation
func (r *Router) handleJSON(pattern string, fn http.HandlerFunc) {
	r.mux.Handle(pattern, gzhttp.GzipHandler(fn))
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	// Every route is read-only; other methods are unknown paths, not 405s
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.NotFound(w, req)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// handlePage serves the phone control page
func (r *Router) handlePage(w http.ResponseWriter, req *http.Request) {
	if r.opts.HTMLPath == "" {
		http.NotFound(w, req)
		return
	}
	data, err := os.ReadFile(r.opts.HTMLPath)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("sensor.html not found: " + r.opts.HTMLPath))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// Close stops any log followers
func (r *Router) Close() {
	if r.logStream != nil {
		r.logStream.Close()
	}
}
