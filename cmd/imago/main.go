// Entry point for the imago image service: HTTP API, pipeline dispatcher,
// and optional MCP stdio transport over one SQLite database.
package main

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/imago/auth"
	"github.com/hazyhaar/imago/encode"
	"github.com/hazyhaar/imago/gallery"
	"github.com/hazyhaar/imago/serviceq"
	"github.com/hazyhaar/imago/shield"
	"github.com/hazyhaar/imago/store"
	"github.com/hazyhaar/imago/worker"
)

// staleJobAge is how long a RUNNING job may sit before boot reclaims it. A
// hard crash leaves RUNNING rows behind; anything older than this at startup
// belongs to a dead process.
const staleJobAge = 5 * time.Minute

func main() {
	cfg := gallery.DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := gallery.LoadConfig(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging goes to stderr: with MCP_TRANSPORT=stdio, stdout belongs to
	// the JSON-RPC transport and must carry nothing else.
	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// JWT secret. The configured value is hashed to a fixed 32 bytes so any
	// non-empty SESSION_SECRET satisfies auth.MinSecretLen.
	var jwtSecret []byte
	if cfg.SessionSecret != "" {
		h := sha256.Sum256([]byte(cfg.SessionSecret))
		jwtSecret = h[:]
	}

	// Database.
	st, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if n, err := st.Queue().ReclaimStale(ctx, staleJobAge); err != nil {
		slog.Error("reclaim stale jobs", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("reclaimed stale jobs from previous run", "count", n)
	}

	// Encoder. Without CLIP_ENDPOINT this is the deterministic stub, which
	// keeps the pipeline running end to end in development.
	encCfg := cfg.Encoder
	encCfg.Logger = logger
	enc := encode.Default(encCfg)
	slog.Info("encoder ready", "model", enc.Model(), "dimension", enc.Dimension())

	// Pipeline dispatcher.
	wrk := worker.New(st, enc, cfg.UploadDir, worker.WithLogger(logger))
	dispatcher := serviceq.NewDispatcher(st.Queue(), wrk.Handle, serviceq.DispatcherOptions{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
	})
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	svc := gallery.New(st, enc, cfg, logger)

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(logger, cfg.MaxUploadBytes()) {
		r.Use(mw)
	}
	r.Use(auth.Middleware(jwtSecret))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	images := svc.Routes()
	r.Mount("/images", requireForMutations(len(jwtSecret) > 0)(images))

	// Optional MCP stdio.
	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "imago",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	// The dispatcher drains its in-flight handlers before returning.
	<-dispatcherDone
	slog.Info("server stopped")
}

// newLogger builds the process JSON logger on w at the given level name
// (debug/warn/error, anything else is info).
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// requireForMutations enforces an authenticated principal on state-changing
// methods only. Reads stay open so the gallery can be browsed anonymously.
func requireForMutations(enabled bool) func(http.Handler) http.Handler {
	guard := auth.RequireAuth(enabled)
	return func(next http.Handler) http.Handler {
		guarded := guard(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
				guarded.ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
