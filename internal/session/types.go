package session

import "time"

// LoginRequest is the payload for POST /v1/login.
type LoginRequest struct {
	Nickname string `json:"nickname"`
}

// LoginResponse returns the created session and its idle lifetime.
type LoginResponse struct {
	SessionID       string    `json:"session_id"`
	Nickname        string    `json:"nickname"`
	View            View      `json:"view"`
	JoinedAt        time.Time `json:"joined_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// View is the screen a user is on.
type View string

const (
	ViewLogin    View = "LOGIN"
	ViewLobby    View = "LOBBY"
	ViewMatching View = "MATCHING"
	ViewInCall   View = "IN_CALL"
)

func (v View) Valid() bool {
	switch v {
	case ViewLogin, ViewLobby, ViewMatching, ViewInCall:
		return true
	}
	return false
}
