// Package api exposes the consensus engine over HTTP to route callers.
// Authentication and PII policy live here, at the edge: submitter fields
// are stripped from report payloads before they reach clients.
package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/coveragecheck/coveragecheck/internal/config"
	"github.com/coveragecheck/coveragecheck/internal/consensus"
)

// Server is the coveragecheck HTTP API server.
type Server struct {
	engine  *consensus.Engine
	ledger  *consensus.Ledger
	cfg     config.ServerConfig
	writeRL *ipLimiter
}

// NewServer creates an API server around the engine and ledger.
func NewServer(engine *consensus.Engine, ledger *consensus.Ledger, cfg config.ServerConfig) *Server {
	return &Server{
		engine:  engine,
		ledger:  ledger,
		cfg:     cfg,
		writeRL: newIPLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.cfg.AllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// Store-backed dedup is the correctness mechanism; the
			// limiter just keeps noisy clients off the write path.
			r.Use(s.limitWrites)
			r.Post("/reports", s.handleSubmitReport)
			r.Post("/reports/{reportID}/votes", s.handleVote)
		})
		r.Get("/providers/{providerID}/plans/{planID}/acceptance", s.handleAggregate)
	})

	return r
}

// ipLimiter keeps one token bucket per remote address.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	if r <= 0 {
		r = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (l *ipLimiter) get(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[addr] = lim
	}
	return lim
}

func (s *Server) limitWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.writeRL.get(clientAddr(r)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the remote address without the port. RealIP
// middleware has already resolved forwarding headers.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
