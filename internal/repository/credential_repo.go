package repository

import (
	"context"
	"fmt"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
)

// CredentialResolver resolves the secret material admitted for one
// (clientUser, database) pair.
type CredentialResolver interface {
	// Resolve returns the credential entry for the pair.
	// It should return ErrCredentialNotFound if no entry is configured;
	// it must never synthesize a default credential.
	Resolve(ctx context.Context, name, database string) (*models.UserCredential, error)
}

// CredentialStore is a resolver backed by a reloadable snapshot. The
// snapshot is immutable; Reload swaps it atomically, so in-flight lookups
// always see one consistent view.
type CredentialStore interface {
	CredentialResolver

	// Entries returns every credential of the current snapshot. Callers
	// must not mutate the returned entries.
	Entries() []*models.UserCredential

	// Reload re-reads the backing source and swaps the snapshot.
	// It returns the number of entries loaded. On error the previous
	// snapshot stays in place.
	Reload(ctx context.Context) (int, error)
}

// Common errors
var ErrCredentialNotFound = fmt.Errorf("credential not found")
var ErrDuplicateCredential = fmt.Errorf("duplicate credential entry")
