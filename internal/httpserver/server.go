package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/theinstashare/signal-router/internal/config"
	"github.com/theinstashare/signal-router/internal/coordinator"
	"github.com/theinstashare/signal-router/internal/metrics"
)

var ErrServerClosed = http.ErrServerClosed

// Admin is the coordinator surface the REST API is built on.
type Admin interface {
	IsRegistered(username string) bool
	ListActive(groupName, filter string) ([]string, error)
	RegisterGroup(ctx context.Context, username, groupName string) error
}

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	admin Admin
	build BuildInfo

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, admin Admin, m *metrics.Metrics, build BuildInfo) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		admin: admin,
		build: build,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes(m)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		corsMiddleware(),
	)

	s.srv = &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("admin server serving", "addr", l.Addr().String())
	if s.cfg.TLSEnabled() {
		return s.srv.ServeTLS(l, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(m *metrics.Metrics) {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(m))

	s.mux.HandleFunc("GET /webrtc/ice", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
	})

	s.mux.HandleFunc("GET /instashare/users/status/{name}", s.handleUserStatus)
	s.mux.HandleFunc("GET /instashare/users/active/users", s.handleActiveUsers)
	s.mux.HandleFunc("GET /instashare/users/group/users", s.handleGroupUsers)
	s.mux.HandleFunc("POST /instashare/users/group/register", s.handleGroupRegister)
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": s.admin.IsRegistered(name)})
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := q.Get("filter")
	if filter == "" {
		// Older clients send the same value as prefix.
		filter = q.Get("prefix")
	}
	users, err := s.admin.ListActive("", filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGroupUsers(w http.ResponseWriter, r *http.Request) {
	groupName := r.URL.Query().Get("groupName")
	if groupName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "groupName is required")
		return
	}
	users, err := s.admin.ListActive(groupName, "")
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidGroup) {
			writeError(w, http.StatusNotFound, "invalid_group", "unknown group: "+groupName)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

type groupRegisterRequest struct {
	Username  string `json:"username"`
	GroupName string `json:"groupName"`
}

func (s *Server) handleGroupRegister(w http.ResponseWriter, r *http.Request) {
	var req groupRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Username == "" || req.GroupName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and groupName are required")
		return
	}

	err := s.admin.RegisterGroup(r.Context(), req.Username, req.GroupName)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, coordinator.ErrInvalidGroup):
		writeError(w, http.StatusNotFound, "invalid_group", "unknown group: "+req.GroupName)
	case errors.Is(err, coordinator.ErrUserNotRegistered):
		writeError(w, http.StatusConflict, "user_not_registered", "user is not connected: "+req.Username)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]any{"error": code, "message": message})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
