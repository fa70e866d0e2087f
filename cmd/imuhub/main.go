// imuhub - IMU relay and matchmaking hub
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/imuhub/internal/api"
	"github.com/ernie/imuhub/internal/audit"
	"github.com/ernie/imuhub/internal/config"
	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/hub"
	"github.com/ernie/imuhub/internal/jobs"
	"github.com/ernie/imuhub/internal/notify"
	"github.com/ernie/imuhub/internal/storage"
)

var version = "dev"

const defaultConfigPath = "imuhub.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "matches":
		cmdMatches(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "tail":
		cmdTail(os.Args[2:])
	case "version":
		fmt.Printf("imuhub %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: imuhub <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [flags]             Start the hub")
	fmt.Println("  leaderboard [--top N]     Show top players (default: 20)")
	fmt.Println("  matches [--recent N]      Show recent matches (default: 20)")
	fmt.Println("  stats                     Show connected clients, queue and running matches")
	fmt.Println("  tail [--log path]         Follow the NDJSON event log")
	fmt.Println("  version                   Show version")
	fmt.Println("  help                      Show this help")
	fmt.Println()
	fmt.Println("Serve Options:")
	fmt.Println("  --config <path>    Path to configuration file (default imuhub.yml if present)")
	fmt.Println("  --host <addr>      Listen address (default 0.0.0.0)")
	fmt.Println("  --port <n>         Listen port (default 8080)")
	fmt.Println("  --html <path>      Control page served at / (default sensor.html)")
	fmt.Println("  --log <path>       NDJSON event log (default gyro_log.ndjson)")
	fmt.Println("  --latest <path>    Latest payload snapshot (default latest.json)")
	fmt.Println("  --db <path>        SQLite database; persistence is off without it")
	fmt.Println("  --tail             Serve the event log over /ws/logs")
	fmt.Println("  --debug            Include file and line in log output")
	fmt.Println()
	fmt.Println("Query Options:")
	fmt.Println("  --url <url>        Base URL of the hub (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  imuhub serve --port 8765 --db imu.db")
	fmt.Println("  imuhub leaderboard --top 10")
	fmt.Println("  imuhub tail --log gyro_log.ndjson")
}

// loadConfig reads .env and the config file. An empty path falls back to
// defaultConfigPath when that file exists.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	return config.Load(path)
}

// cmdServe runs the hub until SIGINT or SIGTERM
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	host := fs.String("host", "", "listen address")
	port := fs.Int("port", 0, "listen port")
	html := fs.String("html", "", "path to the control page")
	logPath := fs.String("log", "", "path to the NDJSON event log")
	latestPath := fs.String("latest", "", "path to the latest payload snapshot")
	dbPath := fs.String("db", "", "path to the SQLite database")
	follow := fs.Bool("tail", false, "serve the event log over /ws/logs")
	debug := fs.Bool("debug", false, "include file and line in log output")
	fs.Parse(args)

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override file and environment
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *html != "" {
		cfg.Server.HTMLPath = *html
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if *latestPath != "" {
		cfg.Log.LatestPath = *latestPath
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *follow {
		cfg.Log.Follow = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Printf("imuhub %s starting...", version)

	// Initialize storage
	var store *storage.Store
	if cfg.Database.Path != "" {
		store, err = storage.New(cfg.Database.Path)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()
		log.Printf("Database initialized at %s", cfg.Database.Path)
	} else {
		log.Printf("Persistence disabled, run with --db to enable")
	}

	// Side outputs
	var observers []hub.Observer
	eventLog, err := audit.NewLog(cfg.Log.Path, cfg.Log.MaxBytes)
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	observers = append(observers, eventLog)
	latestFile := audit.NewLatestFile(cfg.Log.LatestPath)
	observers = append(observers, latestFile)

	var mirror *notify.RedisMirror
	if cfg.Redis.URL != "" {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := notify.ConnectRedis(pingCtx, cfg.Redis.URL)
		pingCancel()
		if err != nil {
			log.Printf("Redis mirror disabled: %v", err)
		} else {
			mirror = notify.NewRedisMirror(client, cfg.Redis.KeyPrefix)
			observers = append(observers, mirror)
			log.Printf("Mirroring latest payloads to Redis key %s", mirror.LatestKey())
		}
	}

	var publisher *notify.NATSPublisher
	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := notify.StartEmbeddedNATS(cfg.Server.Host, cfg.NATS.EmbeddedPort)
		if err != nil {
			log.Fatalf("Failed to start embedded NATS: %v", err)
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
	}
	if natsURL != "" {
		publisher, err = notify.ConnectNATS(natsURL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Printf("NATS publishing disabled: %v", err)
			publisher = nil
		} else {
			log.Printf("Publishing lifecycle messages to %s", publisher.Subject(">"))
		}
	}

	opts := hub.Options{
		Observers:    observers,
		WriteTimeout: cfg.Database.WriteTimeout,
	}
	if store != nil {
		opts.Recorder = store
	}
	if publisher != nil {
		opts.Publisher = publisher
	}
	h := hub.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()

	// Housekeeping
	var pruner jobs.Pruner
	if store != nil {
		pruner = store
	}
	sched, err := jobs.Start(jobs.Config{
		Retention:    cfg.Database.EventRetention,
		PruneEvery:   cfg.Database.PruneInterval,
		SummaryEvery: cfg.Log.SummaryInterval,
	}, pruner, h)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Printf("Scheduled jobs: %s", strings.Join(sched.Jobs(), ", "))

	// Create HTTP router
	routerOpts := api.Options{
		Hub:             h,
		HTMLPath:        cfg.Server.HTMLPath,
		LogPath:         cfg.Log.Path,
		LatestPath:      cfg.Log.LatestPath,
		PublicURL:       cfg.Server.PublicURL,
		FollowLog:       cfg.Log.Follow,
		PingInterval:    cfg.Server.PingInterval,
		PongTimeout:     cfg.Server.PongTimeout,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		SendBuffer:      cfg.Server.SendBuffer,
	}
	if store != nil {
		routerOpts.Store = store
	}
	router := api.NewRouter(routerOpts)

	// Start HTTP server
	addr := cfg.Addr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		log.Printf("Control page at http://localhost:%d/  WebSocket at ws://localhost:%d/ws", cfg.Server.Port, cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for signal or error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping hub...")
	cancel()
	<-hubDone
	router.Close()

	if err := sched.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	if publisher != nil {
		publisher.Close()
	}
	if mirror != nil {
		mirror.Close()
	}
	latestFile.Close()
	if err := eventLog.Close(); err != nil {
		log.Printf("Event log close error: %v", err)
	}
	log.Println("Shutdown complete")
}

// CLI helper variables
var baseURL = "http://localhost:8080"

// loadCLIConfigFromFlags derives baseURL from config unless url is given
func loadCLIConfigFromFlags(configPath, url string) *config.Config {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	if url != "" {
		baseURL = strings.TrimRight(url, "/")
		return cfg
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	baseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	return cfg
}

func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the hub")
	limit := fs.Int("top", 20, "number of top players to show")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var response struct {
		Rows []domain.PlayerStats `json:"rows"`
	}
	if err := getJSON(fmt.Sprintf("/leaderboard?n=%d", *limit), &response); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPLAYER\tUID\tWINS\tLOSSES\tGAMES\tLAST SEEN")
	fmt.Fprintln(w, "----\t------\t---\t----\t------\t-----\t---------")

	for i, p := range response.Rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			i+1, orDash(p.Name), p.UID, p.Wins, p.Losses(), p.GamesPlayed, formatTS(p.LastSeen))
	}

	w.Flush()
}

func cmdMatches(args []string) {
	fs := flag.NewFlagSet("matches", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the hub")
	limit := fs.Int("recent", 20, "number of recent matches to show")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var response struct {
		Rows []domain.MatchSummary `json:"rows"`
	}
	if err := getJSON(fmt.Sprintf("/matches?n=%d", *limit), &response); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tP1\tP2\tWINNER\tSTARTED\tENDED")
	fmt.Fprintln(w, "--\t-----\t--\t--\t------\t-------\t-----")

	for _, m := range response.Rows {
		ended := "In Progress"
		if m.EndedTS > 0 {
			ended = formatTS(m.EndedTS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.MatchID, m.State, playerLabel(m.P1), playerLabel(m.P2), orDash(m.WinnerUID), formatTS(m.StartedTS), ended)
	}

	w.Flush()
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	url := fs.String("url", "", "base URL of the hub")
	fs.Parse(args)

	loadCLIConfigFromFlags(*configPath, *url)

	var st struct {
		hub.Status
		DBEnabled bool `json:"db_enabled"`
	}
	if err := getJSON("/stats", &st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Clients: %d  Queue: %d  Matches: %d running / %d total  Frames: %d  DB: %v\n",
		st.ClientsCount, st.QueueLen, len(st.MatchesRunning), st.MatchesCount, st.RecvTotal, st.DBEnabled)
	if len(st.Clients) == 0 {
		return
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tNAME\tROLE\tREMOTE\tMATCH\tQUEUED\tFRAMES\tLAST SEEN")
	fmt.Fprintln(w, "---\t----\t----\t------\t-----\t------\t------\t---------")

	for _, c := range st.Clients {
		queued := "no"
		if c.InQueue {
			queued = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.UID, orDash(c.Name), c.Role, c.Remote, orDash(c.MatchID), queued, c.RecvCount, formatTS(c.LastSeen))
	}

	w.Flush()
}

// cmdTail follows the NDJSON event log. On a terminal each line is
// summarised; otherwise raw lines are copied through.
func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	logPath := fs.String("log", "", "path to the NDJSON event log")
	lines := fs.Int("lines", 20, "number of existing lines to show first")
	fs.Parse(args)

	path := *logPath
	if path == "" {
		cfg := loadCLIConfigFromFlags(*configPath, "")
		path = cfg.Log.Path
	}

	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	tailer := audit.NewTailer(path)

	initial, err := tailer.ReadLastNLines(*lines)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, line := range initial {
		printLogLine(os.Stdout, line, pretty)
	}

	if err := tailer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer tailer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line := <-tailer.Lines:
			printLogLine(os.Stdout, line, pretty)
		case err := <-tailer.Errors:
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		case <-sigCh:
			return
		}
	}
}

func printLogLine(w io.Writer, line string, pretty bool) {
	if !pretty {
		fmt.Fprintln(w, line)
		return
	}
	var entry domain.AuditLine
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		fmt.Fprintln(w, line)
		return
	}
	env := domain.ParseEnvelope(entry.Payload)
	typ := env.Type
	if typ == "" {
		typ = "-"
	}
	who := entry.UID
	if entry.Name != "" {
		who += " (" + entry.Name + ")"
	}
	fmt.Fprintf(w, "%s  %-5s  %-14s  %s  %s\n",
		domain.FromEpoch(entry.ServerTS).Format("15:04:05.000"), entry.Role, typ, who, entry.Payload)
}

func getJSON(path string, target interface{}) error {
	url := baseURL + path
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

func formatTS(ts float64) string {
	if ts <= 0 {
		return "-"
	}
	return domain.FromEpoch(ts).Format("2006-01-02 15:04:05")
}

func playerLabel(p domain.PlayerRef) string {
	if p.Name != "" && p.Name != p.UID {
		return p.Name + " (" + p.UID + ")"
	}
	return orDash(p.UID)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
