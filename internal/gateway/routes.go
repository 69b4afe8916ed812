package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketpipe/internal/alert"
	"marketpipe/internal/broker"
	"marketpipe/internal/model"
	"marketpipe/internal/presence"
)

// presenceView is the lookup response: the record plus its staleness at read
// time, so callers never apply their own window.
type presenceView struct {
	model.Presence
	Stale bool `json:"stale"`
}

// setCORS sets CORS headers for REST endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RegisterRoutes registers the WebSocket and REST endpoints on mux.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWS)

	// Alert CRUD
	mux.HandleFunc("/api/alerts", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			h.createAlert(w, r)
		case http.MethodGet:
			h.listAlerts(w, r)
		case http.MethodDelete:
			h.deleteAlert(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// Latest quotes from the tick cache
	mux.HandleFunc("/api/quotes", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		raw := r.URL.Query().Get("symbols")
		if raw == "" {
			writeError(w, http.StatusBadRequest, "symbols query parameter required")
			return
		}
		symbols := strings.Split(raw, ",")
		writeJSON(w, http.StatusOK, h.cache.GetMany(r.Context(), symbols))
	})

	// Notification history, newest first
	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user query parameter required")
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		history := h.broker.History(broker.UserScope(userID), limit)
		if history == nil {
			history = []model.Notification{}
		}
		writeJSON(w, http.StatusOK, history)
	})

	mux.HandleFunc("/api/notifications/read", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			UserID string `json:"userId"`
			ID     string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ID == "" {
			writeError(w, http.StatusBadRequest, "userId and id required")
			return
		}
		h.broker.MarkRead(req.UserID, req.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/notifications/unread", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user query parameter required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unread": h.broker.UnreadCount(userID)})
	})

	// Presence lookup
	mux.HandleFunc("/api/presence", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user query parameter required")
			return
		}
		p, ok := h.tracker.Get(userID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown user")
			return
		}
		writeJSON(w, http.StatusOK, presenceView{
			Presence: p,
			Stale:    presence.IsStale(p, time.Now().UTC(), h.staleWindow),
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"ws_clients": h.ClientCount(),
			"uptime_sec": int64(time.Since(h.start).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func (h *Hub) createAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string          `json:"userId"`
		Symbol      string          `json:"symbol"`
		Condition   string          `json:"condition"`
		TargetValue decimal.Decimal `json:"targetValue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}

	a, err := h.eval.CreateAlert(r.Context(), req.UserID, req.Symbol,
		model.AlertCondition(req.Condition), req.TargetValue)
	if err != nil {
		switch {
		case errors.Is(err, alert.ErrInvalidSymbol),
			errors.Is(err, alert.ErrInvalidCondition),
			errors.Is(err, alert.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, alert.ErrTooManyAlerts):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("alert create failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "alert create failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Hub) listAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}

	var (
		alerts []model.PriceAlert
		err    error
	)
	if r.URL.Query().Get("history") == "1" {
		alerts, err = h.eval.ListHistory(r.Context(), userID)
	} else {
		alerts, err = h.eval.ListAlerts(r.Context(), userID)
	}
	if err != nil {
		h.log.Error("alert list failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "alert list failed")
		return
	}
	if alerts == nil {
		alerts = []model.PriceAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Hub) deleteAlert(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	id := r.URL.Query().Get("id")
	if userID == "" || id == "" {
		writeError(w, http.StatusBadRequest, "user and id query parameters required")
		return
	}
	if err := h.eval.DeleteAlert(r.Context(), userID, id); err != nil {
		h.log.Error("alert delete failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "alert delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
