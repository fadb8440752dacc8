// Package scram implements both roles of the SCRAM-SHA-256 mechanism
// (RFC 5802, RFC 7677) as carried by the PostgreSQL SASL message exchange.
// Conversations are plain state machines over message strings; socket I/O
// and message framing stay with the caller.
package scram

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MechanismName is the only SASL mechanism the gateway offers or accepts.
const MechanismName = "SCRAM-SHA-256"

// DefaultIterations matches the PostgreSQL default for SCRAM secrets.
const DefaultIterations = 4096

const (
	// gs2NoBinding is the GS2 header of a client that does not use channel
	// binding. It is the only header the gateway accepts.
	gs2NoBinding = "n,,"
	// cbindNoBinding is base64("n,,"), echoed in the client-final c= field.
	cbindNoBinding = "biws"

	nonceLen = 18
	saltLen  = 16
)

var (
	ErrMalformed         = errors.New("scram: malformed message")
	ErrChannelBinding    = errors.New("scram: channel binding is not supported")
	ErrNonceMismatch     = errors.New("scram: nonce mismatch")
	ErrProofMismatch     = errors.New("scram: client proof mismatch")
	ErrServerSignature   = errors.New("scram: server signature mismatch")
	ErrServerRejected    = errors.New("scram: server rejected authentication")
	ErrChallengeMismatch = errors.New("scram: server challenge does not match stored key material")
	ErrVerifierFormat    = errors.New("scram: malformed verifier")
)

// newNonce returns a fresh base64 nonce. crypto/rand is assumed healthy;
// an entropy failure is not survivable for an authenticator.
func newNonce() string {
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("scram: reading nonce entropy: %v", err))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// RandomSalt returns a fresh salt for deriving a new verifier.
func RandomSalt() []byte {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("scram: reading salt entropy: %v", err))
	}
	return raw
}

// validNonce reports whether s is non-empty printable ASCII without commas,
// the RFC 5802 nonce alphabet.
func validNonce(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '!' || s[i] > '~' || s[i] == ',' {
			return false
		}
	}
	return true
}

// encodeName escapes '=' and ',' per the RFC 5802 saslname rules.
func encodeName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

// decodeName reverses encodeName. Any '=' outside the =2C/=3D escapes is
// rejected.
func decodeName(name string) (string, error) {
	stripped := strings.ReplaceAll(name, "=2C", "")
	stripped = strings.ReplaceAll(stripped, "=3D", "")
	if strings.Contains(stripped, "=") {
		return "", fmt.Errorf("%w: bad saslname escape in %q", ErrMalformed, name)
	}
	out := strings.ReplaceAll(name, "=2C", ",")
	return strings.ReplaceAll(out, "=3D", "="), nil
}
