package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/engine"
	jsonwriter "github.com/dgellow/area/internal/json"
	"github.com/go-chi/chi/v5"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

// PollRequest is the body of POST /v1/pairings/poll
type PollRequest struct {
	UserID    string         `json:"userId"`
	ServiceID area.ServiceID `json:"serviceId"`
	TriggerID area.TriggerID `json:"triggerId"`
}

// StatusResponse is the body of GET /v1/users/{userId}/services/{serviceId}/status
type StatusResponse struct {
	UserID    string                `json:"userId"`
	ServiceID area.ServiceID        `json:"serviceId"`
	Status    area.ConnectionStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]string{"status": "ok", "service": "area", "version": s.version})
}

func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.ServiceID == "" || req.TriggerID == "" {
		jsonwriter.WriteBadRequest(w, "userId, serviceId and triggerId are required")
		return
	}

	report, err := s.engine.PollNow(r.Context(), req.UserID, req.ServiceID, req.TriggerID)
	if errors.Is(err, engine.ErrPairingStopped) {
		jsonwriter.WriteError(w, http.StatusConflict, "pairing_stopped", err.Error())
		return
	}
	if err != nil {
		jsonwriter.WriteEngineError(w, err)
		return
	}
	_ = jsonwriter.Write(w, report)
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	service := area.ServiceID(chi.URLParam(r, "serviceId"))

	status, err := s.engine.ConnectionStatus(r.Context(), userID, service)
	if err != nil {
		jsonwriter.WriteEngineError(w, err)
		return
	}
	_ = jsonwriter.Write(w, StatusResponse{UserID: userID, ServiceID: service, Status: status})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := defaultOutcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonwriter.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomeLimit)
	}

	outcomes, err := s.engine.Outcomes(r.Context(), chi.URLParam(r, "userId"), limit)
	if err != nil {
		jsonwriter.WriteEngineError(w, err)
		return
	}
	_ = jsonwriter.Write(w, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]any{"services": s.engine.Catalog()})
}

func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	pairings := s.engine.Pairings()
	if user := r.URL.Query().Get("user"); user != "" {
		filtered := pairings[:0]
		for _, p := range pairings {
			if p.Pairing.UserID == user {
				filtered = append(filtered, p)
			}
		}
		pairings = filtered
	}
	sort.Slice(pairings, func(i, j int) bool {
		return pairings[i].Pairing.String() < pairings[j].Pairing.String()
	})
	_ = jsonwriter.Write(w, map[string]any{"pairings": pairings})
}
