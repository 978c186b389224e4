package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"alarmsync/internal/models"
	"alarmsync/internal/reminders"
	"alarmsync/internal/syncer"
)

// storedEventsLookback is how far back the stored events view reaches.
const storedEventsLookback = 12 * time.Hour

// Store is the record store surface the handlers use.
type Store interface {
	Available() bool
	StoredEvents(ctx context.Context, userID string, since time.Time) ([]models.DisplayEvent, error)
	Settings(ctx context.Context, userID string, defaultOffset int) (*models.AlarmSettings, error)
	SaveSettings(ctx context.Context, settings *models.AlarmSettings) error
	EventOverride(ctx context.Context, userID string, refs []models.EventRef) (models.Offsets, error)
	SetEventOverride(ctx context.Context, userID string, refs []models.EventRef, offsets models.Offsets) (int64, error)
	DisconnectAccount(ctx context.Context, userID, provider, email string) (int64, error)
}

type Syncer interface {
	Sync(ctx context.Context, userID string, session *syncer.Session) syncer.Result
}

type Reminders interface {
	Upcoming(ctx context.Context, userID string, now time.Time) reminders.Result
}

// Server exposes sync, reminders and settings over HTTP.
type Server struct {
	logger        *slog.Logger
	store         Store
	syncer        Syncer
	reminders     Reminders
	defaultOffset int
	now           func() time.Time
}

func New(logger *slog.Logger, store Store, s Syncer, r Reminders, defaultOffset int) *Server {
	if defaultOffset <= 0 {
		defaultOffset = models.DefaultOffsetMinutes
	}
	return &Server{
		logger:        logger,
		store:         store,
		syncer:        s,
		reminders:     r,
		defaultOffset: defaultOffset,
		now:           time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/calendar", func(r chi.Router) {
		r.Get("/fetch-from-google", s.syncCalendar)
		r.Get("/events", s.storedEvents)
	})
	r.Route("/reminders", func(r chi.Router) {
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/events/{id}", s.getEventOverride)
		r.Put("/events/{id}", s.putEventOverride)
		r.Get("/upcoming", s.upcoming)
	})
	r.Delete("/accounts", s.disconnect)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Handled request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", chimiddleware.GetReqID(r.Context()))
	})
}

type errorBody struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, RequestID: chimiddleware.GetReqID(r.Context())})
}
