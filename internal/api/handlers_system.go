package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"omen-backend/internal/apperr"
	"omen-backend/internal/ingress"
	"omen-backend/pkg/types"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, s.logger, apperr.New(apperr.CodeValidation, "unreadable request body"))
		return
	}
	evt, err := ingress.ParseWebhook(body)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	res, err := s.deps.Ingress.Process(r.Context(), evt)
	if err != nil {
		// Malformed events can never succeed and get a 4xx. Anything else
		// was recorded as failed, and a 5xx tells the sender to retry the
		// delivery.
		if apperr.Is(err, apperr.CodeValidation) {
			writeError(w, r, s.logger, err)
			return
		}
		writeError(w, r, s.logger, apperr.Wrap(apperr.CodeDispatchFailed, "event dispatch failed", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type balanceResponse struct {
	UserID    string `json:"userId"`
	TokenID   string `json:"tokenId"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, tokenID := r.PathValue("userId"), r.PathValue("tokenId")
	avail, locked, err := s.deps.Balances.Get(r.Context(), userID, tokenID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:    userID,
		TokenID:   tokenID,
		Available: types.AmountString(avail),
		Locked:    types.AmountString(locked),
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	feed, err := s.deps.Notify.Recent(r.Context(), r.PathValue("userId"), intQuery(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": feed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}
	if err := s.deps.DB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": httpStatusWord(status), "checks": checks})
}

func httpStatusWord(code int) string {
	if code == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
