package models

import (
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// Credential origins, recorded for logs and metrics.
const (
	OriginLocal       = "local"
	OriginPassthrough = "passthrough"
)

// CredentialKey identifies one credential entry. Lookups are keyed by the
// client-presented user name and the requested database.
type CredentialKey struct {
	Name     string `json:"name"`
	Database string `json:"database"`
}

// UserCredential is one resolved credential entry: the secret material used
// to verify the connecting client, plus the optional override identity used
// toward the backend server.
type UserCredential struct {
	Name     string `json:"name"`
	Database string `json:"database"`

	// Password is the client-side plaintext secret. Empty when the entry
	// was configured (or resolved via passthrough) as a verifier only.
	Password string `json:"-"`
	// Verifier is the server-side SCRAM secret set for the client-facing
	// handshake. Always populated on resolved entries; derived from
	// Password at load time when only a plaintext was configured.
	Verifier *scram.Verifier `json:"-"`

	// ServerUser and ServerPassword, when set, replace the client identity
	// on the backend connection. Each falls through independently.
	ServerUser     string `json:"serverUser,omitempty"`
	ServerPassword string `json:"-"`

	// Origin records which credential source produced this entry.
	Origin string `json:"origin"`
}

// Key returns the lookup key of the entry.
func (c *UserCredential) Key() CredentialKey {
	return CredentialKey{Name: c.Name, Database: c.Database}
}

// BackendUser returns the identity presented to the backend server.
func (c *UserCredential) BackendUser() string {
	if c.ServerUser != "" {
		return c.ServerUser
	}
	return c.Name
}

// BackendPassword returns the secret used toward the backend server. Empty
// means no plaintext is available and the backend handshake must reuse key
// material recovered from the client handshake.
func (c *UserCredential) BackendPassword() string {
	if c.ServerPassword != "" {
		return c.ServerPassword
	}
	return c.Password
}

// HasBackendOverride reports whether the backend identity differs from the
// client-presented one.
func (c *UserCredential) HasBackendOverride() bool {
	return c.ServerUser != "" || c.ServerPassword != ""
}

// BackendKey is the pool partition key. Connections authenticated for one
// key are never handed out for another.
type BackendKey struct {
	User     string
	Password string
	Database string
}

// String renders the key for logs without the secret component.
func (k BackendKey) String() string {
	return k.User + "@" + k.Database
}

// BackendAuth carries the secret material for one backend handshake. Keys
// takes precedence over Password when both are present; it is the recovered
// client-side key set used when no plaintext ever reached the gateway.
type BackendAuth struct {
	Password string
	Keys     *scram.KeyCredential
}

// BackendKeyFor builds the pool key a credential entry resolves to. Entries
// without a backend plaintext are keyed by their verifier hash instead, so
// key-reuse sessions still partition per secret.
func BackendKeyFor(cred *UserCredential) BackendKey {
	password := cred.BackendPassword()
	if password == "" && cred.Verifier != nil {
		password = cred.Verifier.String()
	}
	return BackendKey{
		User:     cred.BackendUser(),
		Password: password,
		Database: cred.Database,
	}
}
