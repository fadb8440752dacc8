package models

import (
	"time"
)

// CancelKey is the BackendKeyData pair handed to a client at session start.
// A later CancelRequest carrying the same pair aborts that session's
// in-flight query.
type CancelKey struct {
	ProcessID uint32 `json:"processId"`
	SecretKey uint32 `json:"-"`
}

// StartupInfo carries the fields of a client's StartupMessage that the
// handshake needs. Database is already defaulted to the user name when the
// client omitted it.
type StartupInfo struct {
	User       string
	Database   string
	Parameters map[string]string
	RemoteAddr string
}

// ClientSession describes one authenticated client connection for the admin
// surface.
type ClientSession struct {
	SessionID   string    `json:"sessionId"`   // Unique ID for this session
	User        string    `json:"user"`        // Client-presented user name
	Database    string    `json:"database"`    // Requested database
	BackendUser string    `json:"backendUser"` // Identity used toward the backend
	Host        string    `json:"host"`        // The host of the client
	Origin      string    `json:"origin"`      // Credential source that admitted the session
	CreatedAt   time.Time `json:"createdAt"`   // When the session was authenticated
}

// Age returns how long the session has been established.
func (s *ClientSession) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

type GetClientSessionsResponse struct {
	Sessions []*ClientSession `json:"sessions"`
}
