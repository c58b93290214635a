package httpserver

import (
	"bufio"
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

	"github.com/edusync/rtc/internal/channels"
	"github.com/edusync/rtc/internal/config"
	"github.com/edusync/rtc/internal/metrics"
	"github.com/edusync/rtc/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the collaborators behind the HTTP surface. Channels and Occupancy
// back the call-status endpoint; TURNGenerator is nil unless a TURN REST
// secret is configured.
type Deps struct {
	Metrics       *metrics.Metrics
	Channels      *channels.Store
	Occupancy     func(roomID string) int
	TURNGenerator *turnrest.Generator

	// Signal is the WebSocket signaling relay, mounted at GET /rtc/signal
	// behind the origin policy.
	Signal http.Handler
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: the signaling WebSocket is a long-lived
		// connection on this same server.
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
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))

	s.mux.HandleFunc("GET /api/rtc/ice-servers", s.withOriginPolicy(s.handleICEServers))
	s.mux.HandleFunc("GET /api/rtc/call-status/{channelID}", s.withOriginPolicy(s.handleCallStatus))

	if s.deps.Signal != nil {
		s.mux.HandleFunc("GET /rtc/signal", s.withOriginPolicy(s.deps.Signal.ServeHTTP))
	}
}

// handleICEServers advertises the STUN/TURN list clients should dial with.
// With a TURN REST generator configured, fresh time-limited credentials are
// stamped onto every TURN entry per request.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.deps.TURNGenerator != nil {
		creds, err := s.deps.TURNGenerator.GenerateRandom()
		if err != nil {
			s.log.Error("issuing turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential issuance failed"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"expiresAt":  creds.ExpiryUnix,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// handleCallStatus reports whether a call is running in the channel's room.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")

	if s.deps.Channels != nil {
		ch, err := s.deps.Channels.Get(r.Context(), channelID)
		if errors.Is(err, channels.ErrNotFound) {
			WriteJSON(w, http.StatusNotFound, map[string]any{"error": "unknown channel"})
			return
		}
		if err != nil {
			s.log.Error("channel lookup", "channel", channelID, "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "channel lookup failed"})
			return
		}
		if !ch.Type.IsCall() {
			WriteJSON(w, http.StatusOK, map[string]any{"active": false, "participants": 0})
			return
		}
	}

	n := 0
	if s.deps.Occupancy != nil {
		n = s.deps.Occupancy(channelID)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"active": n > 0, "participants": n})
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

// Unwrap lets http.ResponseController reach the real writer; the signaling
// WebSocket upgrade hijacks the connection through it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
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

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
