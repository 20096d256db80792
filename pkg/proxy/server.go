package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/browser"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/catalog"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/logstore"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/relay"
)

type Server struct {
	cfg      *config.ServerConfig
	state    *config.StateStore
	catalog  *catalog.Store
	sessions *SessionRegistry
	limiter  *RateLimiter
	relay    *relay.Registry
	fetcher  upstreamFetcher
	logs     *logstore.Store

	dashSessions  *dashboardSessions
	wsUpgrader    websocket.Upgrader
	relayLiveness time.Duration

	httpServer *http.Server
	refreshing atomic.Bool
}

func NewServer(cfg *config.ServerConfig, state *config.StateStore, cat *catalog.Store, logs *logstore.Store) *Server {
	reg := relay.NewRegistry()
	s := &Server{
		cfg:           cfg,
		state:         state,
		catalog:       cat,
		sessions:      NewSessionRegistry(),
		limiter:       NewRateLimiter(),
		relay:         reg,
		logs:          logs,
		dashSessions:  newDashboardSessions(),
		relayLiveness: time.Duration(cfg.Relay.LivenessWindowSeconds) * time.Second,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboard and agent both run against this host directly.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.fetcher = NewOrchestrator(state, reg, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLoginSubmit)
	r.Post("/logout", s.handleLogout)
	r.Get("/dashboard", s.requireDashboard(s.handleDashboard))
	r.Post("/update-auth-token", s.requireDashboard(s.handleUpdateAuthToken))
	r.Post("/create-key", s.requireDashboard(s.handleCreateKey))
	r.Post("/delete-key", s.requireDashboard(s.handleDeleteKey))
	r.Post("/refresh-tokens", s.requireDashboard(s.handleRefreshTokens))
	r.Post("/update-window-modes", s.requireDashboard(s.handleUpdateWindowModes))
	r.Get("/logs/ws", s.handleLogSocket)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authAPIMiddleware)
		api.Get("/models", s.handleModels)
		api.Post("/chat/completions", s.handleChatCompletions)
	})

	r.Route("/userscript", func(us chi.Router) {
		us.Get("/jobs/next", s.handleAgentNextJob)
		us.Post("/jobs/{jobID}/status", s.handleAgentStatus)
		us.Post("/jobs/{jobID}/lines", s.handleAgentLines)
		us.Post("/jobs/{jobID}/done", s.handleAgentDone)
		us.Get("/ws", s.handleAgentSocket)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) upstreamContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.cfg.UpstreamTimeoutSeconds) * time.Second
	return context.WithTimeout(r.Context(), timeout)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS.Enabled {
			mgr := &autocert.Manager{
				Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
				Email:      s.cfg.TLS.Email,
			}
			s.httpServer.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate}
			errCh <- s.httpServer.ListenAndServeTLS("", "")
			return
		}
		errCh <- s.httpServer.ListenAndServe()
	}()
	log.Info("bridge listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS.Enabled)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// TriggerRefresh kicks off a background credential harvest unless one is
// already running.
func (s *Server) TriggerRefresh() {
	if !s.refreshing.CompareAndSwap(false, true) {
		log.Info("credential refresh already in progress")
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		s.RefreshCredentials(ctx)
	}()
}

// RefreshCredentials clears the Cloudflare challenge in a browser, stores
// the clearance cookie and replaces the model catalog. Called once at
// startup and on demand from the dashboard.
func (s *Server) RefreshCredentials(ctx context.Context) {
	st := s.state.Snapshot()
	opts := browser.Options{
		Headless:   s.cfg.Browser.Headless,
		ExecPath:   s.cfg.Browser.ExecPath,
		WindowMode: st.FetchWindowMode,
	}
	timeout := time.Duration(s.cfg.Browser.ChallengeTimeoutSeconds) * time.Second

	log.Info("starting credential harvest", "headless", opts.Headless)
	creds, err := browser.Harvest(ctx, opts, timeout)
	if err != nil {
		log.Error("credential harvest failed", "err", err)
		return
	}

	err = s.state.Update(func(doc *config.State) error {
		doc.CfClearance = creds.Clearance.Value
		return nil
	})
	if err != nil {
		log.Error("persist clearance", "err", err)
	} else {
		log.Info("cf_clearance updated")
	}

	if len(creds.Models) > 0 {
		if err := s.catalog.Replace(creds.Models); err != nil {
			log.Error("replace model catalog", "err", err)
		} else {
			log.Info("model catalog refreshed", "models", len(creds.Models))
		}
	}
}
