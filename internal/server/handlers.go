package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yansir/ag-relayer/internal/store"
	"github.com/yansir/ag-relayer/internal/translate"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// handleModels serves the static model table in OpenAI list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   translate.Models,
	})
}

// handleQuota refreshes quota for the whole pool and returns the snapshot.
// Refresh failures degrade to stale cache entries rather than an error.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	s.tracker.RefreshAll(ctx)

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": s.tracker.Snapshot(s.accounts.List()),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request log store disabled"})
		return
	}

	periods, err := s.db.QueryUsagePeriods(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	models, err := s.db.QueryModelUsage(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"periods": periods,
		"models":  models,
	})
}

// handleRequests serves the per-request accounting rows with optional
// account/model filters and limit/offset paging.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request log store disabled"})
		return
	}

	q := store.RequestLogQuery{
		AccountID: r.URL.Query().Get("account"),
		Model:     r.URL.Query().Get("model"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}

	logs, total, err := s.db.QueryRequestLogs(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": logs,
		"total":    total,
	})
}

// handleLogs serves the buffered log ring, newest last.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var lines any
	if s.logs != nil {
		lines = s.logs.Recent()
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

// handleEvents serves the event replay ring, or a live SSE feed when the
// client asks for one with ?stream=1.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	for _, ev := range recent {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.accounts.ExpireCooldowns()

	payload := map[string]any{
		"status":   "ok",
		"accounts": s.accounts.Len(),
		"ready":    len(s.accounts.Ready()),
	}
	if !s.startedAt.IsZero() {
		payload["uptime"] = time.Since(s.startedAt).Round(time.Second).String()
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			payload["status"] = "degraded"
			payload["db_error"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, payload)
}
