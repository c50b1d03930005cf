package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"confbot/internal/config"
	"confbot/internal/livestream"
	appLog "confbot/internal/log"
	"confbot/internal/metrics"
	"confbot/internal/model"
	"confbot/internal/notifier"
	"confbot/internal/schedule"
)

// ScheduleView is the read side of the schedule provider.
type ScheduleView interface {
	Snapshot() *schedule.Snapshot
	SessionsStartingSoon() []model.Session
	Upcoming(n int) []model.Session
	Window() time.Duration
}

// LivestreamView is the read side of the livestream provider.
type LivestreamView interface {
	Snapshot() *livestream.Snapshot
}

// StatusView reports the notifier state.
type StatusView interface {
	Status() notifier.Status
}

// Server exposes read-only status endpoints for operators. There is no
// write API; configuration is only read at startup.
type Server struct {
	cfg         *config.Config
	mux         *http.ServeMux
	schedule    ScheduleView
	livestreams LivestreamView
	status      StatusView
	metrics     *metrics.Metrics
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sched ScheduleView, ls LivestreamView, status StatusView, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		schedule:    sched,
		livestreams: ls,
		status:      status,
		metrics:     m,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password means auth is off.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="confbot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/upcoming", s.handleUpcoming)
	s.mux.HandleFunc("GET /api/livestreams", s.handleLivestreams)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// sessionDTO is a JSON-friendly view of a session.
type sessionDTO struct {
	ID       string    `json:"id"`
	SourceID string    `json:"source_id"`
	Title    string    `json:"title"`
	Room     string    `json:"room"`
	Track    string    `json:"track,omitempty"`
	Speakers []string  `json:"speakers,omitempty"`
	URL      string    `json:"url,omitempty"`
	Break    bool      `json:"break"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type sessionsResponse struct {
	Sessions  []sessionDTO `json:"sessions"`
	FetchedAt time.Time    `json:"fetched_at"`
	Partial   bool         `json:"partial"`
	Timezone  string       `json:"timezone"`
}

// handleSessions returns the whole schedule snapshot.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snap := s.schedule.Snapshot()
	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions:  toDTOs(snap.Sessions),
		FetchedAt: snap.FetchedAt,
		Partial:   snap.Partial,
		Timezone:  s.cfg.Timezone,
	})
}

type upcomingResponse struct {
	StartingSoon []sessionDTO `json:"starting_soon"`
	Next         []sessionDTO `json:"next"`
	Window       string       `json:"window"`
}

// handleUpcoming returns the sessions in the notification window and the
// next ones that have not ended.
//
// GET /api/upcoming?limit=10
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 10)
	if limit <= 0 || limit > 200 {
		limit = 10
	}
	writeJSON(w, http.StatusOK, upcomingResponse{
		StartingSoon: toDTOs(s.schedule.SessionsStartingSoon()),
		Next:         toDTOs(s.schedule.Upcoming(limit)),
		Window:       s.schedule.Window().String(),
	})
}

type livestreamsResponse struct {
	Livestreams []livestream.Entry `json:"livestreams"`
	LoadedAt    time.Time          `json:"loaded_at"`
}

func (s *Server) handleLivestreams(w http.ResponseWriter, _ *http.Request) {
	snap := s.livestreams.Snapshot()
	writeJSON(w, http.StatusOK, livestreamsResponse{
		Livestreams: snap.Entries(),
		LoadedAt:    snap.LoadedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func toDTOs(ss []model.Session) []sessionDTO {
	out := make([]sessionDTO, 0, len(ss))
	for _, x := range ss {
		out = append(out, sessionDTO{
			ID:       string(x.ID),
			SourceID: x.SourceID,
			Title:    x.Title,
			Room:     x.Room,
			Track:    x.Track,
			Speakers: x.Speakers,
			URL:      x.URL,
			Break:    x.Break,
			Start:    x.Start,
			End:      x.End,
		})
	}
	return out
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}
