package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mkarrer/audiogate/internal/library"
	"github.com/mkarrer/audiogate/internal/playback"
)

type stateResponse struct {
	Status              string `json:"status"`
	ContentID           string `json:"content_id,omitempty"`
	Title               string `json:"title,omitempty"`
	ChapterCount        int    `json:"chapter_count,omitempty"`
	CurrentChapterIndex int    `json:"current_chapter_index"`
	PositionMS          int64  `json:"position_ms"`
	DurationMS          int64  `json:"duration_ms"`
	IsPlaying           bool   `json:"is_playing"`
	IsOwned             bool   `json:"is_owned"`
	SleepTimerMode      string `json:"sleep_timer_mode"`
	SleepTimerRemaining int64  `json:"sleep_timer_remaining_ms,omitempty"`
	ErrorType           string `json:"error_type,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
}

func snapshotToResponse(st playback.State) stateResponse {
	resp := stateResponse{
		Status:              string(st.Status()),
		CurrentChapterIndex: st.CurrentChapterIndex,
		PositionMS:          st.Position.Milliseconds(),
		DurationMS:          st.Duration.Milliseconds(),
		IsPlaying:           st.IsPlaying,
		IsOwned:             st.IsOwned,
		SleepTimerMode:      string(st.SleepTimerMode),
		SleepTimerRemaining: st.SleepTimerRemaining.Milliseconds(),
	}
	if st.Item != nil {
		resp.ContentID = st.Item.ID
		resp.Title = st.Item.Title
		resp.ChapterCount = st.Item.ChapterCount()
	}
	if st.HasError() {
		resp.ErrorType = string(st.ErrorType)
		resp.ErrorMessage = st.ErrorMessage
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.library != nil {
		if err := s.library.HealthCheck(r.Context()); err != nil {
			health["status"] = "degraded"
			health["library"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.guard != nil {
		health["circuit"] = string(s.guard.State())
	}
	writeJSON(w, code, health)
}

type playRequest struct {
	ContentID string `json:"content_id"`
	Chapter   int    `json:"chapter"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "content_id is required")
		return
	}

	item, err := s.library.GetItem(r.Context(), req.ContentID)
	if err != nil {
		if errors.Is(err, library.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "content not found")
			return
		}
		s.logger.Error().Err(err).Str("content_id", req.ContentID).Msg("library lookup failed")
		writeError(w, http.StatusInternalServerError, "library unavailable")
		return
	}
	owned, err := s.library.IsOwned(r.Context(), req.ContentID)
	if err != nil {
		s.logger.Error().Err(err).Str("content_id", req.ContentID).Msg("entitlement lookup failed")
		writeError(w, http.StatusInternalServerError, "library unavailable")
		return
	}

	active, available := s.flags()
	err = s.session.Play(r.Context(), &item, playback.PlayOptions{
		ChapterIndex:          req.Chapter,
		Owned:                 owned,
		SubscriptionActive:    active,
		SubscriptionAvailable: available,
	})
	if errors.Is(err, playback.ErrUnauthorized) {
		writeJSON(w, http.StatusForbidden, snapshotToResponse(s.session.State()))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, snapshotToResponse(s.session.State()))
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.session.Pause()
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.session.Resume()
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

type seekRequest struct {
	PositionMS int64 `json:"position_ms"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid seek request")
		return
	}
	if err := s.session.Seek(time.Duration(req.PositionMS) * time.Millisecond); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.handleSkip(w, r, s.session.Next)
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	s.handleSkip(w, r, s.session.Previous)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request, skip func(context.Context) error) {
	err := skip(r.Context())
	switch {
	case errors.Is(err, playback.ErrNoChapter):
		writeError(w, http.StatusConflict, "no playable chapter in that direction")
	case errors.Is(err, playback.ErrNoItemLoaded):
		writeError(w, http.StatusConflict, "no item loaded")
	case err != nil:
		writeJSON(w, http.StatusBadGateway, snapshotToResponse(s.session.State()))
	default:
		writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
	}
}

type sleepTimerRequest struct {
	Mode            string `json:"mode"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (s *Server) handleSleepTimer(w http.ResponseWriter, r *http.Request) {
	var req sleepTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sleep timer request")
		return
	}

	var mode playback.SleepTimerMode
	switch req.Mode {
	case "off":
		mode = playback.SleepTimerOff
	case "timed":
		mode = playback.SleepTimerTimed
	case "end_of_chapter":
		mode = playback.SleepTimerEndOfChapter
	default:
		writeError(w, http.StatusBadRequest, "mode must be off, timed or end_of_chapter")
		return
	}

	if err := s.session.SetSleepTimer(mode, time.Duration(req.DurationSeconds)*time.Second); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(s.session.State()))
}

type purchaseConfirmRequest struct {
	ContentID string `json:"content_id"`
}

func (s *Server) handlePurchaseConfirm(w http.ResponseWriter, r *http.Request) {
	var req purchaseConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "content_id is required")
		return
	}

	if err := s.library.SetOwned(r.Context(), req.ContentID); err != nil {
		s.logger.Error().Err(err).Str("content_id", req.ContentID).Msg("recording entitlement failed")
		writeError(w, http.StatusInternalServerError, "recording entitlement failed")
		return
	}
	updated := s.session.UpdateOwnershipAfterPurchase(req.ContentID)

	writeJSON(w, http.StatusOK, map[string]any{
		"content_id":      req.ContentID,
		"session_updated": updated,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
