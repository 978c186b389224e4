package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/datatypes"

	"alarmsync/internal/models"
	"alarmsync/internal/store"
	"alarmsync/internal/syncer"
)

// maxOffsetMinutes bounds a single offset to one week.
const maxOffsetMinutes = 7 * 24 * 60

func userID(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("user_id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func sessionFrom(r *http.Request) *syncer.Session {
	token := strings.TrimSpace(r.Header.Get("X-Google-Token"))
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token == "" {
		return nil
	}
	session := &syncer.Session{AccessToken: token}
	if refresh := strings.TrimSpace(r.Header.Get("X-Google-Refresh-Token")); refresh != "" {
		session.RefreshToken = &refresh
	}
	return session
}

func validateOffsets(minutes []int) error {
	for _, m := range minutes {
		if m < 0 || m > maxOffsetMinutes {
			return fmt.Errorf("offset %d out of range [0, %d]", m, maxOffsetMinutes)
		}
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.store.Available() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "store": s.store.Available()})
}

func (s *Server) syncCalendar(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	res := s.syncer.Sync(r.Context(), uid, sessionFrom(r))
	if res.Events == nil {
		res.Events = []models.DisplayEvent{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) storedEvents(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	events, err := s.store.StoredEvents(r.Context(), uid, s.now().Add(-storedEventsLookback))
	if err != nil {
		s.logger.Error("Failed to load stored events", "user_id", uid, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"events": []models.DisplayEvent{}, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	settings, err := s.store.Settings(r.Context(), uid, s.defaultOffset)
	if err != nil {
		s.logger.Warn("Failed to load settings, returning defaults", "user_id", uid, "error", err)
		def := models.DefaultAlarmSettings(uid, s.defaultOffset)
		settings = &def
	}
	if len(settings.ReminderOffsets) == 0 {
		settings.ReminderOffsets = datatypes.NewJSONSlice(settings.EffectiveOffsets())
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.AlarmSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	// The caller's id comes from the query or header; a body user_id may
	// only repeat it.
	uid := userID(r)
	switch {
	case uid == "":
		uid = strings.TrimSpace(settings.UserID)
	case settings.UserID != "" && settings.UserID != uid:
		writeError(w, r, http.StatusForbidden, "user_id does not match the requesting user")
		return
	}
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	settings.UserID = uid
	if err := validateOffsets(settings.ReminderOffsets); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(settings.ReminderOffsets) == 0 {
		// Legacy clients send only the single offset.
		if settings.GlobalReminderOffsetMinutes <= 0 {
			writeError(w, r, http.StatusBadRequest, "reminder_offsets or global_reminder_offset_minutes is required")
			return
		}
		if err := validateOffsets([]int{settings.GlobalReminderOffsetMinutes}); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		settings.ReminderOffsets = datatypes.NewJSONSlice([]int{settings.GlobalReminderOffsetMinutes})
	}
	if err := s.store.SaveSettings(r.Context(), &settings); err != nil {
		s.logger.Error("Failed to save settings", "user_id", settings.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) getEventOverride(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	refs := models.ResolveEventRefs(chi.URLParam(r, "id"))
	if uid == "" || len(refs) == 0 {
		writeError(w, r, http.StatusBadRequest, "user_id and event id are required")
		return
	}
	offsets, err := s.store.EventOverride(r.Context(), uid, refs)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Event not found")
	case err != nil:
		s.logger.Error("Failed to load event override", "user_id", uid, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to load event reminders")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"reminder_offsets": offsets})
	}
}

type overrideRequest struct {
	ReminderOffsets models.Offsets `json:"reminder_offsets"`
}

// putEventOverride sets the event's reminder offsets. A null list clears
// the override so the event follows the global settings again.
func (s *Server) putEventOverride(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	refs := models.ResolveEventRefs(chi.URLParam(r, "id"))
	if uid == "" || len(refs) == 0 {
		writeError(w, r, http.StatusBadRequest, "user_id and event id are required")
		return
	}
	var body overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validateOffsets(body.ReminderOffsets.Minutes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.store.SetEventOverride(r.Context(), uid, refs, body.ReminderOffsets)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Info("Event not found for reminder update", "user_id", uid, "event", chi.URLParam(r, "id"))
		writeError(w, r, http.StatusNotFound, "Event not found")
	case err != nil:
		s.logger.Error("Failed to update event reminders", "user_id", uid, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to update event reminders")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"updated": n, "reminder_offsets": body.ReminderOffsets})
	}
}

func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.reminders.Upcoming(r.Context(), uid, s.now()))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	email := models.NormalizeEmail(r.URL.Query().Get("email"))
	provider := strings.TrimSpace(r.URL.Query().Get("provider"))
	if uid == "" || email == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and email are required")
		return
	}
	purged, err := s.store.DisconnectAccount(r.Context(), uid, provider, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Account not found")
	case err != nil:
		s.logger.Error("Failed to disconnect account", "user_id", uid, "email", email, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to disconnect account")
	default:
		s.logger.Info("Disconnected account", "user_id", uid, "email", email, "provider", provider, "purged_events", purged)
		writeJSON(w, http.StatusOK, map[string]any{"email": email, "purged_events": purged})
	}
}
