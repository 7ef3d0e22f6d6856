package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/SunFlash12/ForgeV3-sub008/pkg/artifacts"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/kernel"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/observability"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "publish":
		return runPublish(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "forged - cascade kernel daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  forged <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve       Run the kernel daemon (default)")
	fmt.Fprintln(w, "  validate    Validate overlay manifests (--dir)")
	fmt.Fprintln(w, "  publish     Publish a Wasm module (--overlay, --module)")
	fmt.Fprintln(w, "  health      Check a running daemon over HTTP")
	fmt.Fprintln(w, "  help        Show this help")
	fmt.Fprintln(w, "")
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "overlays", "manifest directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	manifests, err := config.LoadManifestDir(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "validation failed: %v\n", err)
		return 1
	}
	for _, m := range manifests {
		fmt.Fprintf(stdout, "ok  %s (%s, %s)\n", m.ID, m.Version, m.Security)
	}
	fmt.Fprintf(stdout, "%d manifest(s) valid\n", len(manifests))
	return 0
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	overlayID := cmd.String("overlay", "", "overlay id to bind the module to (REQUIRED)")
	modulePath := cmd.String("module", "", "path to the Wasm module (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *overlayID == "" || *modulePath == "" {
		fmt.Fprintln(stderr, "Error: --overlay and --module are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	modStore, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "module store: %v\n", err)
		return 1
	}
	wasm, err := os.ReadFile(*modulePath)
	if err != nil {
		fmt.Fprintf(stderr, "read module: %v\n", err)
		return 1
	}
	ref, err := artifacts.NewRegistry(modStore).Publish(ctx, *overlayID, wasm)
	if err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "published %s\nmodule_ref: %s\n", *overlayID, ref)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("FORGE_PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "daemon unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, string(body))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, "forged starting...")
	ctx := context.Background()
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "forged")

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		log.Printf("observability init (non-fatal, continuing without): %v", err)
	}

	kcfg := kernel.DefaultConfig()
	var phaseProfile *config.KernelProfile
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("Failed to load kernel profile: %v", err)
		}
		kcfg, err = profile.KernelConfig()
		if err != nil {
			log.Fatalf("Invalid kernel profile: %v", err)
		}
		phaseProfile = profile
		logger.Info("kernel profile loaded", "name", profile.Name, "path", cfg.ProfilePath)
	}

	var opts []kernel.Option

	// Chain persistence: postgres when configured, sqlite otherwise.
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Postgres ping failed: %v", err)
		}
		cs, err := store.NewPostgresChainStore(db)
		if err != nil {
			log.Fatalf("Failed to init chain store: %v", err)
		}
		defer func() { _ = cs.Close() }()
		opts = append(opts, kernel.WithChainStore(cs))
		log.Println("[forged] postgres: connected")
	default:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "forge.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Fatalf("Failed to prepare data dir: %v", err)
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			log.Fatalf("Failed to open sqlite: %v", err)
		}
		cs, err := store.NewSQLiteChainStore(db)
		if err != nil {
			log.Fatalf("Failed to init chain store: %v", err)
		}
		defer func() { _ = cs.Close() }()
		opts = append(opts, kernel.WithChainStore(cs))
		log.Printf("[forged] sqlite: %s", path)
	}

	if cfg.RedisAddr != "" {
		limiter := kernel.NewRedisLimiterStore(cfg.RedisAddr, os.Getenv("FORGE_REDIS_PASSWORD"), 0)
		defer func() { _ = limiter.Close() }()
		opts = append(opts, kernel.WithLimiterStore(limiter))
		log.Printf("[forged] redis limiter: %s", cfg.RedisAddr)
	}

	modStore, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init module store: %v", err)
	}
	opts = append(opts, kernel.WithModuleSource(modStore))

	k, err := kernel.New(kcfg, opts...)
	if err != nil {
		log.Fatalf("Failed to assemble kernel: %v", err)
	}
	if err := k.Start(ctx); err != nil {
		log.Fatalf("Failed to start kernel: %v", err)
	}
	log.Println("[forged] kernel: started")

	// Pipeline phases from the profile, if any.
	if phaseProfile != nil {
		phases, err := phaseProfile.PhaseConfigs()
		if err != nil {
			log.Fatalf("Invalid pipeline phases: %v", err)
		}
		if len(phases) > 0 {
			if err := k.Pipelines().Configure(phases); err != nil {
				log.Fatalf("Failed to configure pipeline: %v", err)
			}
			log.Printf("[forged] pipeline: %d phase(s)", len(phases))
		}
	}

	// Sandboxed overlays from the manifest directory. Trusted overlays need
	// in-process implementations and register through the API instead.
	manifests, err := config.LoadManifestDir(cfg.ManifestDir)
	if err != nil {
		log.Printf("Manifest load (non-fatal, no overlays registered): %v", err)
	}
	for _, m := range manifests {
		if !m.Security.Sandboxed() {
			logger.Warn("skipping trusted overlay without implementation", "overlay", m.ID)
			continue
		}
		if err := k.RegisterOverlay(ctx, m, nil); err != nil {
			logger.Error("overlay registration failed", "overlay", m.ID, "error", err)
			continue
		}
		logger.Info("overlay registered", "overlay", m.ID, "security", string(m.Security))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(k),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[forged] http: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("[forged] shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Error("kernel shutdown failed", "error", err)
	}
	if obs != nil {
		_ = obs.Shutdown(shutdownCtx)
	}
	log.Println("[forged] stopped")
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	if ep := os.Getenv("FORGE_OTLP_ENDPOINT"); ep != "" {
		cfg.OTLPEndpoint = ep
	} else {
		cfg.Enabled = false
	}
	cfg.Insecure = os.Getenv("FORGE_OTLP_INSECURE") == "true"
	if env := os.Getenv("FORGE_ENV"); env != "" {
		cfg.Environment = env
	}
	return cfg
}

func newHandler(k *kernel.Kernel) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.Health())
	})

	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type     string         `json:"type"`
			Source   string         `json:"source"`
			Priority string         `json:"priority,omitempty"`
			Payload  map[string]any `json:"payload,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.Source == "" {
			body.Source = "api"
		}
		e := events.New(events.EventType(body.Type), body.Source, body.Payload)
		if body.Priority != "" {
			e = e.WithPriority(events.ParsePriority(body.Priority))
		}
		n, err := k.Submit(r.Context(), e)
		if err != nil {
			var rl *kernel.ErrRateLimited
			if errors.As(err, &rl) {
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"event_id": e.ID, "delivered_to": n})
	})

	mux.HandleFunc("POST /v1/pipeline/run", func(w http.ResponseWriter, r *http.Request) {
		var unit map[string]any
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&unit); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		result, err := k.RunPipeline(r.Context(), unit)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /v1/overlays", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.Overlays().HealthAll())
	})

	mux.HandleFunc("GET /v1/deadletters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.Bus().DeadLetters())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
