package models

import (
	"time"
)

// AdminLoginRequest is the input for admin API authentication.
type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AdminLoginResponse carries the bearer token for subsequent admin calls.
type AdminLoginResponse struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// PoolStats is a point-in-time snapshot of one backend pool partition.
type PoolStats struct {
	User      string `json:"user"`
	Database  string `json:"database"`
	Idle      int    `json:"idle"`
	Active    int    `json:"active"`
	Waiting   int    `json:"waiting"`
	MaxSize   int    `json:"maxSize"`
	TotalOpen uint64 `json:"totalOpen"` // connections dialed over the pool lifetime
}

type GetPoolStatsResponse struct {
	Pools []PoolStats `json:"pools"`
}

// ReloadResponse reports the outcome of a credential snapshot reload.
type ReloadResponse struct {
	Users      int       `json:"users"`
	ReloadedAt time.Time `json:"reloadedAt"`
}

// ConfigSummary is the redacted runtime configuration view. Secrets never
// appear here.
type ConfigSummary struct {
	ListenAddr      string   `json:"listenAddr"`
	AdminAddr       string   `json:"adminAddr"`
	Databases       []string `json:"databases"`
	Users           int      `json:"users"`
	PassthroughAuth bool     `json:"passthroughAuth"`
	PoolMaxSize     int      `json:"poolMaxSize"`
}

// ErrorResponse standard error format
type ErrorResponse struct {
	Error string `json:"error"`
}
