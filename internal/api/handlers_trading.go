package api

import (
	"net/http"
	"strconv"

	"omen-backend/internal/apperr"
	"omen-backend/internal/matching"
	"omen-backend/pkg/types"
)

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var in matching.OrderInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	order, err := s.deps.Orders.SubmitOrder(r.Context(), in)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

type cancelOrderRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.UserID == "" {
		writeError(w, r, s.logger, apperr.New(apperr.CodeValidation, "userId is required"))
		return
	}
	order, err := s.deps.Orders.CancelOrder(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.OrderReads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeError(w, r, s.logger, apperr.New(apperr.CodeValidation, "userId query parameter is required"))
		return
	}
	orders, err := s.deps.OrderReads.ListByUser(r.Context(), userID, types.OrderStatus(q.Get("status")), intQuery(q.Get("limit"), 50))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.deps.Pairs.ListActive(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Depth.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) handlePairStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stats.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePairTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Trades.ListByPair(r.Context(), r.PathValue("id"), intQuery(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
