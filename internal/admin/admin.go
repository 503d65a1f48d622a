// Package admin serves the HTTP side channel: health probes, the
// Prometheus metrics endpoint, and a small JWT-gated inspection API
// over exports, mounts, and the audit ring.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/metrics"
	"github.com/reeffs/reef/internal/mountd"
	"github.com/reeffs/reef/internal/security"
)

// Config selects the listen port and the token secret. An empty secret
// disables the authenticated routes; health and metrics stay open.
type Config struct {
	Port      int
	JWTSecret string
	TokenTTL  time.Duration
}

// Server is the admin HTTP endpoint.
type Server struct {
	cfg     Config
	exports *exports.Registry
	mounts  *mountd.Handler
	sec     *security.Manager
	http    *http.Server
}

// NewServer wires the router.
func NewServer(cfg Config, ex *exports.Registry, mounts *mountd.Handler, sec *security.Manager) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	s := &Server{cfg: cfg, exports: ex, mounts: mounts, sec: sec}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if cfg.JWTSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/v1/exports", s.handleExports)
			r.Get("/v1/mounts", s.handleMounts)
			r.Get("/v1/audit", s.handleAudit)
		})
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin listening", "port", s.cfg.Port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("admin: %w", err)
	}
}

// requireToken rejects requests lacking a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken mints an operator token, used by the CLI.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) handleExports(w http.ResponseWriter, _ *http.Request) {
	type export struct {
		Name          string `json:"name"`
		ReadOnly      bool   `json:"read_only"`
		ClientPattern string `json:"client_pattern,omitempty"`
	}
	out := make([]export, 0)
	for _, e := range s.exports.All() {
		out = append(out, export{Name: e.Name, ReadOnly: e.ReadOnly, ClientPattern: e.ClientPattern})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mounts.Mounts())
}

func (s *Server) handleAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sec.Audit().Recent(100))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
