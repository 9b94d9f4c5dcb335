package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/auth"
	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/events"
	"github.com/yansir/ag-relayer/internal/quota"
	"github.com/yansir/ag-relayer/internal/relay"
	"github.com/yansir/ag-relayer/internal/scheduler"
	"github.com/yansir/ag-relayer/internal/store"
	"github.com/yansir/ag-relayer/internal/transport"
	"github.com/yansir/ag-relayer/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

// Server owns the HTTP surface and the component graph behind it.
type Server struct {
	cfg        *config.Config
	accounts   *account.Store
	tokens     *account.TokenManager
	sched      *scheduler.Scheduler
	projects   *upstream.ProjectResolver
	client     *upstream.Client
	tracker    *quota.Tracker
	relay      *relay.Relay
	authMw     *auth.Middleware
	transports *transport.Manager
	db         *store.SQLiteStore
	bus        *events.Bus
	logs       *events.LogHandler

	httpServer *http.Server
	startedAt  time.Time
}

// New builds the full component graph. db may be nil when the request log
// store failed to open; the relay then runs without persistence.
func New(cfg *config.Config, db *store.SQLiteStore, bus *events.Bus, logs *events.LogHandler) *Server {
	transports := transport.NewManager()
	accounts := account.NewStore(cfg.CooldownDuration, bus)
	tokens := account.NewTokenManager(accounts, cfg, transports, bus)
	client := upstream.NewClient(cfg, accounts, tokens, transports)
	projects := upstream.NewProjectResolver(client, accounts)
	tracker := quota.NewTracker(client, accounts, projects, bus)
	sched := scheduler.New(accounts, tracker)

	var rl relay.RequestLogger
	if db != nil {
		rl = db
	}
	r := relay.New(cfg, accounts, sched, projects, client, rl, bus)

	s := &Server{
		cfg:        cfg,
		accounts:   accounts,
		tokens:     tokens,
		sched:      sched,
		projects:   projects,
		client:     client,
		tracker:    tracker,
		relay:      r,
		authMw:     auth.NewMiddleware(cfg),
		transports: transports,
		db:         db,
		bus:        bus,
		logs:       logs,
	}

	for _, cred := range cfg.Accounts {
		res := accounts.Add(cred)
		slog.Info("account loaded", "accountId", res.ID, "email", cred.Email, "new", res.IsNew)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: requestLogger(mux),
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/chat/completions", s.authMw.OpenAI(http.HandlerFunc(s.relay.ChatCompletions)))
	mux.Handle("POST /v1/messages", s.authMw.Anthropic(http.HandlerFunc(s.relay.Messages)))

	mux.Handle("GET /v1/models", s.authMw.OpenAI(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /v1/quota", s.authMw.OpenAI(http.HandlerFunc(s.handleQuota)))
	mux.Handle("GET /v1/usage", s.authMw.OpenAI(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /v1/requests", s.authMw.OpenAI(http.HandlerFunc(s.handleRequests)))
	mux.Handle("GET /v1/logs", s.authMw.OpenAI(http.HandlerFunc(s.handleLogs)))
	mux.Handle("GET /v1/events", s.authMw.OpenAI(http.HandlerFunc(s.handleEvents)))

	mux.HandleFunc("GET /health", s.handleHealth)
}

// Run starts the listener and blocks until a shutdown signal or a listener
// error. Background maintenance loops are tied to the run context.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transports.RunCleanup(ctx)
	if s.db != nil {
		go s.db.RunPurge(ctx, time.Duration(s.cfg.LogRetentionDays)*24*time.Hour)
	}
	go s.warmQuota(ctx)

	s.startedAt = time.Now()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", s.httpServer.Addr, "accounts", s.accounts.Len())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.transports.Close()
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// warmQuota primes the quota cache once at startup so the first requests
// already schedule on real fractions.
func (s *Server) warmQuota(ctx context.Context) {
	if s.accounts.Len() == 0 {
		return
	}
	warmCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	s.tracker.RefreshAll(warmCtx)
}

// requestLogger logs every request at debug with method, path and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}
