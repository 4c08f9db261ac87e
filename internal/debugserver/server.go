// Package debugserver exposes an optional HTTP endpoint for operators:
// Prometheus metrics, liveness, a JSON status snapshot and pprof.
//
// Security: bind to localhost (the default). A non-loopback address
// requires a token or an explicit AllowInsecure.
package debugserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"killfeed/internal/delivery"
	"killfeed/internal/expunge"
	"killfeed/internal/feed"
	"killfeed/internal/worker"
	"killfeed/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources supplies the snapshots rendered by /statusz. Any field may be nil.
type Sources struct {
	Metrics http.Handler
	Feed    *feed.Queue
	Router  *delivery.Router
	Worker  func() worker.Status
	Expunge *expunge.Service
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	src Sources
	log logx.Logger

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}

	startedAt time.Time
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log, startedAt: time.Now()}
}

// Start listens and serves in the background. A disabled config is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("debugserver: non-loopback addr requires token or allow_insecure")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.mux(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("debug server stopped", logx.Err(err))
		}
	}()
	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	return nil
}

// Stop shuts the server down, bounded by ctx. Safe to call twice and
// before Start.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Close the listener first so Shutdown cannot hang on accept.
	if ln != nil {
		_ = ln.Close()
	}
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("debug server stopped")
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Addr returns the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) mux() *http.ServeMux {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statusz", wrap(s.handleStatusz))
	if s.src.Metrics != nil {
		mux.Handle("/metrics", withAuth(s.cfg.Token, s.src.Metrics.ServeHTTP))
	}
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type channelStatus struct {
	Channel string              `json:"channel"`
	Stats   delivery.QueueStats `json:"stats"`
}

type expungeStatus struct {
	LastRun time.Time     `json:"last_run,omitzero"`
	Stats   expunge.Stats `json:"stats"`
	Error   string        `json:"error,omitempty"`
}

type statusz struct {
	Uptime   string          `json:"uptime"`
	Workers  *worker.Status  `json:"workers,omitempty"`
	Ingest   *feed.Stats     `json:"ingest,omitempty"`
	Delivery []channelStatus `json:"delivery,omitempty"`
	Expunge  *expungeStatus  `json:"expunge,omitempty"`
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	out := statusz{Uptime: time.Since(s.startedAt).Round(time.Second).String()}
	if s.src.Worker != nil {
		st := s.src.Worker()
		out.Workers = &st
	}
	if s.src.Feed != nil {
		st := s.src.Feed.Stats()
		out.Ingest = &st
	}
	if s.src.Router != nil {
		for _, q := range s.src.Router.Queues() {
			out.Delivery = append(out.Delivery, channelStatus{Channel: q.Name(), Stats: q.Stats()})
		}
	}
	if s.src.Expunge != nil {
		st, at, err := s.src.Expunge.Last()
		es := expungeStatus{LastRun: at, Stats: st}
		if err != nil {
			es.Error = err.Error()
		}
		out.Expunge = &es
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

// withAuth accepts either "Authorization: Bearer <token>" or "?token=".
// An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
