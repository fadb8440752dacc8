package service

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
)

// Handshake failures collapse into a small taxonomy before anything is
// reported. A connecting client only ever observes the single generic
// 28P01 failure; the distinctions below feed logs and metrics.
var (
	// ErrProtocol covers malformed or out-of-order traffic on either side
	// of the bridge, including unsupported mechanisms and auth methods.
	ErrProtocol = errors.New("protocol violation")

	// ErrBackendAuthRejected marks a backend that refused the gateway's
	// credentials, or one whose server signature did not verify.
	ErrBackendAuthRejected = errors.New("backend rejected authentication")

	// ErrHandshakeTimeout marks a handshake step that missed its deadline.
	ErrHandshakeTimeout = errors.New("handshake step timed out")

	// ErrPassthroughUnavailable marks a live credential lookup that could
	// not complete, or recovered key material the backend's challenge does
	// not match.
	ErrPassthroughUnavailable = errors.New("passthrough credential lookup unavailable")

	// ErrNoLocalStore marks an admin operation that needs a local
	// credential snapshot while the gateway authenticates via passthrough.
	ErrNoLocalStore = errors.New("no local credential store")
)

// outcomeOf maps a handshake error to its metrics outcome label.
func outcomeOf(err error) string {
	if errors.Is(err, ErrHandshakeTimeout) {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeFailed
}

// asTimeout folds socket deadline expiries into the taxonomy and leaves
// every other error untouched.
func asTimeout(err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}
