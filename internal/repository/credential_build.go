package repository

import (
	"fmt"
	"log"
	"strings"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// BuildLocalCredential turns one raw store row into a resolved credential.
// The secret is either a plaintext password, from which a fresh verifier is
// derived, or a stored SCRAM verifier, in which case no plaintext exists
// and backend handshakes must reuse recovered key material.
func BuildLocalCredential(name, database, secret, serverUser, serverPassword string, iterations int) (*models.UserCredential, error) {
	if name == "" || database == "" {
		return nil, fmt.Errorf("name and database are required")
	}
	if secret == "" {
		return nil, fmt.Errorf("user %q has no password or verifier", name)
	}
	if strings.HasPrefix(serverPassword, scram.MechanismName+"$") {
		// The backend handshake needs a plaintext to build a proof from;
		// a stored verifier only supports the verifying side.
		return nil, fmt.Errorf("user %q: server_password cannot be a stored verifier", name)
	}

	cred := &models.UserCredential{
		Name:           name,
		Database:       database,
		ServerUser:     serverUser,
		ServerPassword: serverPassword,
		Origin:         models.OriginLocal,
	}

	if strings.HasPrefix(secret, scram.MechanismName+"$") {
		verifier, err := scram.ParseVerifier(secret)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		cred.Verifier = &verifier
		if cred.ServerUser != "" && cred.ServerPassword == "" {
			log.Printf("[CredentialStore] WARNING: user '%s/%s' has a verifier-only secret and a server_user override without server_password; backend handshakes will fail",
				name, database)
		}
	} else {
		verifier, err := scram.NewVerifier(secret, scram.RandomSalt(), iterations)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		cred.Password = secret
		cred.Verifier = &verifier
	}
	return cred, nil
}
