package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/relay"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/session"
	"github.com/michaelbrown/pocket/internal/storage"
)

// Orchestrator is the session core the request layer drives. Create and
// attach take a user id the handler already resolved, since both also need
// it for checks of their own.
type Orchestrator interface {
	CreateSessionFor(ctx context.Context, userID, profile string) (session.Session, error)
	SessionFor(id, userID string) (session.Session, error)
	AttachStreamFor(ctx context.Context, id, userID string, stream relay.Stream) error
	TerminateSession(ctx context.Context, id, token string) error
	GetSession(ctx context.Context, id, token string) (session.Session, error)
	SandboxInfo(ctx context.Context, id, token string) (sandbox.Info, error)
	ListSessions(ctx context.Context, token string) ([]session.Session, error)
	Profiles() []string
}

// Config configures the HTTP server.
type Config struct {
	Addr string
	// AllowedOrigins drives both CORS and the websocket origin check.
	AllowedOrigins []string

	// RateLimit is API requests per client IP per minute. Zero disables it.
	RateLimit int
	// CreateRate and CreateBurst bound session creation per user; CreateRate
	// is per minute. Zero disables the limit.
	CreateRate  float64
	CreateBurst int

	Logger *zerolog.Logger
}

// Server is the HTTP server for the pocket API.
type Server struct {
	cfg      Config
	orch     Orchestrator
	ledger   storage.Store
	auth     auth.Validator
	creates  *userLimiter
	upgrader websocket.Upgrader
	router   chi.Router
	http     *http.Server
	logger   zerolog.Logger
}

// New creates a new Server. ledger may be nil, in which case the history
// endpoints report not found.
func New(cfg Config, orch Orchestrator, ledger storage.Store, validator auth.Validator) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		ledger:  ledger,
		auth:    validator,
		creates: newUserLimiter(cfg.CreateRate, cfg.CreateBurst),
		router:  chi.NewRouter(),
		logger:  logging.Or(cfg.Logger, "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Retry-After", "60")
					writeError(w, errdefs.ErrRateLimited)
				}),
			))
		}

		// Sessions
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/sandbox", s.handleSandboxInfo)

		// WebSocket
		r.Get("/sessions/{id}/stream", s.handleStream)

		// Ledger
		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}", s.handleGetHistory)
		r.Get("/history/{id}/commands", s.handleListCommands)
		r.Get("/commands", s.handleSearchCommands)

		r.Get("/profiles", s.handleListProfiles)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("pocket server listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked websocket connections
// are not tracked by net/http; their sessions are ended by the orchestrator.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

// requestLogger logs each request with its status and latency.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				ev := logger.Info()
				switch {
				case status >= 500:
					ev = logger.Error()
				case status >= 400:
					ev = logger.Warn()
				case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
					ev = logger.Debug()
				}
				ev.Str(logging.FieldRequestID, middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// originChecker allows the listed origins. With none listed, only
// same-host requests are upgraded.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
