// ABOUTME: Entry point for the halcyond messaging server
// ABOUTME: Wires storage, Redis, the broker client and the HTTP API together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/halcyon-im/halcyon/internal/broker"
	"github.com/halcyon-im/halcyon/internal/config"
	"github.com/halcyon-im/halcyon/internal/dedupe"
	"github.com/halcyon-im/halcyon/internal/fanout"
	"github.com/halcyon-im/halcyon/internal/history"
	"github.com/halcyon-im/halcyon/internal/ingest"
	"github.com/halcyon-im/halcyon/internal/permission"
	"github.com/halcyon-im/halcyon/internal/seq"
	"github.com/halcyon-im/halcyon/internal/server"
	"github.com/halcyon-im/halcyon/internal/store"
	"github.com/halcyon-im/halcyon/internal/webhook"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _           _
| |__   __ _| | ___ _   _  ___  _ __
| '_ \ / _' | |/ __| | | |/ _ \| '_ \
| | | | (_| | | (__| |_| | (_) | | | |
|_| |_|\__,_|_|\___|\__, |\___/|_| |_|
                    |___/
`

// repairEvery is how many fan-out flush cycles pass between conversation
// head repair sweeps.
const repairEvery = 60

// getConfigPath returns the path to the halcyond config file.
// Priority: HALCYON_CONFIG env var > XDG_CONFIG_HOME/halcyon/halcyond.yaml > ~/.config/halcyon/halcyond.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HALCYON_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "halcyond.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "halcyon", "halcyond.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: halcyond <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the messaging server")
		fmt.Println("  init      Write a starter config file")
		fmt.Println("  health    Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Broker:   %s\n", cfg.Broker.BaseURL)
	fmt.Println()

	logger.Info("starting halcyond",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	var storeOpts []store.Option
	if cfg.Database.FullText {
		storeOpts = append(storeOpts, store.WithFullText())
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path, storeOpts...)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	bc := broker.New(cfg.Broker.BaseURL, cfg.Broker.ManagerURL, logger)
	fo := fanout.New(st, rdb, cfg.Fanout.BatchSize, logger)
	pf := permission.New(st, cfg.Permission.RequireFriendship, logger)

	pool := ingest.NewPool(cfg.Ingest.Workers, cfg.Ingest.QueueDepth, logger)
	pool.Start(ctx)
	defer pool.Stop()

	registry := prometheus.NewRegistry()
	var metrics *ingest.Metrics
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = ingest.NewMetrics(registry)
	}

	orch := ingest.New(st,
		seq.New(rdb, 0, logger),
		dedupe.New(rdb, dedupe.Config{
			FilterBits: cfg.Dedupe.FilterBits,
			HashCount:  cfg.Dedupe.HashCount,
			ConfirmTTL: cfg.Dedupe.ConfirmTTL,
		}, logger),
		pf, bc, fo, pool,
		ingest.Options{
			RetryAttempts: cfg.Ingest.RetryAttempts,
			RetryInitial:  cfg.Ingest.RetryInitial,
			RecallWindow:  cfg.Ingest.RecallWindow,
			SendRate:      cfg.Ingest.SendRate,
		},
		metrics, logger)

	var wh http.Handler
	if cfg.Webhook.Enabled {
		wh = webhook.New(st, cfg.Webhook.Secret, nil, logger)
	}

	srv := server.New(orch, history.New(st, logger), st, bc, wh, registry, cfg, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fo.Run(ctx, cfg.Fanout.FlushInterval, repairEvery)
	}()
	go func() {
		defer wg.Done()
		orch.RunOutboxSweep(ctx, cfg.Ingest.SweepInterval, cfg.Ingest.SweepCutoff)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	wg.Wait()
	return nil
}

const starterConfig = `database:
  path: halcyon.db
  full_text: false

redis:
  addr: localhost:6379

broker:
  base_url: http://localhost:5001
  manager_url: http://localhost:5002

server:
  http_addr: ":8080"

webhook:
  enabled: false
  secret: "${HALCYON_WEBHOOK_SECRET}"

metrics:
  enabled: true

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote starter config to %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	// Groups are not used by halcyond's loggers.
	return h
}
