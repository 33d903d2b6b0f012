package api

import "time"

// SessionInfo describes one registered Main as exposed by the broker admin API
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	RemoteAddr   string    `json:"remote_addr"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SessionsResponse is the body of GET /api/sessions
type SessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []SessionInfo `json:"sessions"`
}
