package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/g960059/nomadflow/internal/api"
	"github.com/g960059/nomadflow/internal/apperr"
	"github.com/g960059/nomadflow/internal/command"
	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/db"
	"github.com/g960059/nomadflow/internal/relay"
	"github.com/g960059/nomadflow/internal/security"
	"github.com/g960059/nomadflow/internal/tmux"
	"github.com/g960059/nomadflow/internal/ttyd"
	"github.com/g960059/nomadflow/internal/worktree"
)

// Version is reported by /health.
var Version = "0.1.0"

const shutdownGrace = 5 * time.Second

// Deps are the collaborators a Server composes. Nil fields are built from
// the config; a nil Store disables the action ledger.
type Deps struct {
	Store     *db.Store
	Executor  *command.Executor
	Worktrees *worktree.Manager
	Tmux      *tmux.Controller
	TTYD      *ttyd.Supervisor
	Relay     *relay.Relay
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *db.Store
	worktrees *worktree.Manager
	tmux      *tmux.Controller
	ttyd      *ttyd.Supervisor
	relay     *relay.Relay
	router    chi.Router
	httpSrv   *http.Server
	listener  net.Listener
	lockFile  *os.File
	newID     func() string
	now       func() time.Time
	mu        sync.Mutex
	shutdown  sync.Once

	shutdownErr error
}

func NewServer(cfg config.Config, logger *slog.Logger) *Server {
	return NewServerWithDeps(cfg, Deps{Logger: logger})
}

func NewServerWithDeps(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executor := deps.Executor
	if executor == nil {
		executor = command.NewExecutor(cfg)
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		worktrees: deps.Worktrees,
		tmux:      deps.Tmux,
		ttyd:      deps.TTYD,
		relay:     deps.Relay,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.worktrees == nil {
		s.worktrees = worktree.NewManager(executor)
	}
	if s.tmux == nil {
		s.tmux = tmux.NewController(executor, logger)
	}
	if s.ttyd == nil {
		s.ttyd = ttyd.NewSupervisor(executor, logger)
	}
	if s.relay == nil {
		s.relay = relay.New(cfg, logger)
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(s.logger))
	r.Use(s.Recovery)

	r.Get("/health", s.healthHandler)

	// The relay checks its own query token before upgrading.
	r.Get("/terminal/ws", s.relay.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.terminalAuth)
		proxy := s.terminalProxy()
		r.Handle("/terminal", proxy)
		r.Handle("/terminal/*", proxy)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.BearerAuth)
		r.Post("/list-repos", s.listReposHandler)
		r.Post("/clone-repo", s.cloneRepoHandler)
		r.Post("/list-features", s.listFeaturesHandler)
		r.Post("/create-feature", s.createFeatureHandler)
		r.Post("/delete-feature", s.deleteFeatureHandler)
		r.Post("/switch-feature", s.switchFeatureHandler)
		r.Post("/list-branches", s.listBranchesHandler)
		r.Post("/attach-branch", s.attachBranchHandler)
		r.Get("/actions", s.actionsHandler)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, apperr.CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, apperr.CodeBadRequest, "method not allowed")
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listen address once Start has listened.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start takes the daemon lock, brings up tmux and ttyd, and serves until
// ctx is cancelled. tmux or ttyd failures are logged and do not stop the API.
func (s *Server) Start(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	s.prepareBackends(ctx)

	addr := net.JoinHostPort(s.cfg.APIHost, strconv.Itoa(s.cfg.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.stopBackends(context.Background())
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("api listening", "addr", ln.Addr().String(), "auth", s.cfg.AuthEnabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace+time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) prepareBackends(ctx context.Context) {
	if s.store != nil {
		if n, err := s.store.MarkAbandoned(ctx, s.now()); err != nil {
			s.logger.Warn("mark abandoned actions failed", "error", err)
		} else if n > 0 {
			s.logger.Info("marked abandoned actions", "count", n)
		}
	}
	if err := s.tmux.EnsureSession(ctx); err != nil {
		s.logger.Warn("tmux session unavailable; terminal features disabled until it is", "session", s.cfg.TmuxSession, "error", err)
	} else {
		s.logger.Info("tmux session ready", "session", s.cfg.TmuxSession)
	}
	if err := s.ttyd.Start(ctx); err != nil {
		s.logger.Warn("ttyd not started; terminal may not work", "port", s.cfg.TTYDPort, "error", security.RedactSecret(err.Error(), s.cfg.Secret))
	} else {
		s.logger.Info("ttyd ready", "port", s.cfg.TTYDPort)
	}
}

func (s *Server) stopBackends(ctx context.Context) {
	res := s.ttyd.Stop(ctx)
	if res.Diagnostic != "" {
		s.logger.Warn("ttyd stop incomplete", "diagnostic", res.Diagnostic)
	}
	if len(res.Stopped) > 0 {
		s.logger.Info("ttyd stopped", "pids", res.Stopped)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.stopBackends(ctx)
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Status:        "healthy",
		TmuxSession:   s.cfg.TmuxSession,
		APIPort:       s.cfg.APIPort,
		TTYDRunning:   s.ttyd.Running(),
		Version:       Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code apperr.Code, msg string) {
	msg = security.RedactSecret(msg, s.cfg.Secret)
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    string(code),
			Message: msg,
		},
		Detail: msg,
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	s.writeError(w, statusForError(err), apperr.CodeOf(err), err.Error())
}

// statusForError maps an error's Kind to an HTTP status.
func statusForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists:
		return http.StatusConflict
	case apperr.KindInvalidName:
		return http.StatusBadRequest
	case apperr.KindAuthenticationRequired:
		return http.StatusUnauthorized
	case apperr.KindBackendUnavailable, apperr.KindBackendMissing:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindOperationFailed:
		if apperr.CodeOf(err) == apperr.CodeWorktreeCreationFailed {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.LockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
