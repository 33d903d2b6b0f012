package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/b1tg/kvass/broker/registry"
	"github.com/b1tg/kvass/internal/api"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/protocol"
)

// NewSessionsHandler lists the Mains currently waiting in the registry
func NewSessionsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		response := api.SessionsResponse{Sessions: []api.SessionInfo{}}
		if reg != nil {
			response.Sessions = reg.Snapshot()
		}
		response.Count = len(response.Sessions)

		writeJSON(w, http.StatusOK, response)
	}
}

// NewSessionHandler serves /api/sessions/{id}. GET returns one session,
// DELETE evicts it and closes its connection.
func NewSessionHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		id, err := ParseSessionID(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if reg == nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}

		switch r.Method {
		case http.MethodGet:
			want := fmt.Sprintf("0x%02x", id)
			for _, s := range reg.Snapshot() {
				if s.SessionID == want {
					writeJSON(w, http.StatusOK, s)
					return
				}
			}
			http.Error(w, "session not found", http.StatusNotFound)
		case http.MethodDelete:
			if !reg.Evict(id) {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			logger.Info("Session evicted via admin API", logging.Hex("session_id", id))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// ParseSessionID accepts decimal or 0x-prefixed hex ids in the 0..255 range
func ParseSessionID(s string) (protocol.SessionID, error) {
	if s == "" {
		return 0, fmt.Errorf("missing session id")
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return protocol.SessionID(v), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	// Marshal first so an error can still change the status
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
