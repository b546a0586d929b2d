package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/memory"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
)

type Server struct {
	coord     *swarm.Coordinator
	store     *store.Store
	mem       *memory.Store
	sched     *scheduler.Scheduler
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

// NewServer returns the HTTP API of a swarm. sched and client may be nil.
func NewServer(coord *swarm.Coordinator, st *store.Store, mem *memory.Store, sched *scheduler.Scheduler, client *natsbus.Client, cfg config.WebConfig, version string) *Server {
	return &Server{
		coord:     coord,
		store:     st,
		mem:       mem,
		sched:     sched,
		nats:      client,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  make(map[string]time.Time),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Forward bus events to WebSocket clients.
	sub := s.subscribeEvents()
	if sub != nil {
		defer sub.Unsubscribe()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the routed and authenticated API. JSON responses are
// gzip compressed; the WebSocket endpoint is served uncompressed.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	// Auth endpoints (public)
	api.HandleFunc("POST /api/login", s.handleLogin)
	api.HandleFunc("POST /api/logout", s.handleLogout)
	api.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(api)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/ws", s.handleWebSocket)
	root.Handle("/", gzhttp.GzipHandler(api))
	return s.withMiddleware(root)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) passwordMatches(pass string) bool {
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// validSession reports whether token is a live session and extends it.
func (s *Server) validSession(token string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	expiry, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, token)
		return false
	}
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	return true
}

// checkAuth validates session cookie or Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(cookie.Value) {
		s.setSessionCookie(w, cookie.Value)
		return true
	}

	// Fall back to Basic Auth (for programmatic API access)
	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}

	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, tell clients to skip login.
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(cookie.Value) {
		s.setSessionCookie(w, cookie.Value)
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (s *Server) subscribeEvents() *nats.Subscription {
	if s.nats == nil {
		return nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(Event{Subject: msg.Subject, Payload: json.RawMessage(msg.Data)})
	})
	if err != nil {
		slog.Error("web event subscription failed", "error", err)
		return nil
	}
	return sub
}
