package scram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// SaltedPassword normalizes the password with SASLprep and derives the
// PBKDF2-HMAC-SHA256 key, the Hi() function of RFC 5802.
func SaltedPassword(password string, salt []byte, iterations int) ([]byte, error) {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return nil, fmt.Errorf("scram: saslprep: %w", err)
	}
	return pbkdf2.Key([]byte(prepped), salt, iterations, sha256.Size, sha256.New), nil
}

func clientKey(saltedPassword []byte) []byte { return computeHMAC(saltedPassword, []byte("Client Key")) }
func serverKey(saltedPassword []byte) []byte { return computeHMAC(saltedPassword, []byte("Server Key")) }

func storedKey(clientKey []byte) []byte {
	sum := sha256.Sum256(clientKey)
	return sum[:]
}

func computeHMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Verifier is the server-side SCRAM secret set: everything needed to verify
// a client proof without holding the plaintext password. Its textual form is
// PostgreSQL's rolpassword format,
// SCRAM-SHA-256$<iterations>:<salt>$<StoredKey>:<ServerKey>.
type Verifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// NewVerifier derives a verifier from a plaintext password.
func NewVerifier(password string, salt []byte, iterations int) (Verifier, error) {
	if len(salt) == 0 {
		return Verifier{}, fmt.Errorf("%w: empty salt", ErrVerifierFormat)
	}
	if iterations < 1 {
		return Verifier{}, fmt.Errorf("%w: iteration count %d", ErrVerifierFormat, iterations)
	}
	saltedPassword, err := SaltedPassword(password, salt, iterations)
	if err != nil {
		return Verifier{}, err
	}
	return Verifier{
		Iterations: iterations,
		Salt:       append([]byte(nil), salt...),
		StoredKey:  storedKey(clientKey(saltedPassword)),
		ServerKey:  serverKey(saltedPassword),
	}, nil
}

// ParseVerifier parses the PostgreSQL stored-verifier format, as found in
// pg_shadow.passwd or a users file.
func ParseVerifier(s string) (Verifier, error) {
	mech, rest, ok := strings.Cut(s, "$")
	if !ok || mech != MechanismName {
		return Verifier{}, fmt.Errorf("%w: not a %s secret", ErrVerifierFormat, MechanismName)
	}
	saltPart, keyPart, ok := strings.Cut(rest, "$")
	if !ok {
		return Verifier{}, fmt.Errorf("%w: missing key section", ErrVerifierFormat)
	}
	iterStr, saltB64, ok := strings.Cut(saltPart, ":")
	if !ok {
		return Verifier{}, fmt.Errorf("%w: missing salt", ErrVerifierFormat)
	}
	storedB64, serverB64, ok := strings.Cut(keyPart, ":")
	if !ok {
		return Verifier{}, fmt.Errorf("%w: missing server key", ErrVerifierFormat)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return Verifier{}, fmt.Errorf("%w: iteration count %q", ErrVerifierFormat, iterStr)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil || len(salt) == 0 {
		return Verifier{}, fmt.Errorf("%w: bad salt encoding", ErrVerifierFormat)
	}
	stored, err := base64.StdEncoding.DecodeString(storedB64)
	if err != nil || len(stored) != sha256.Size {
		return Verifier{}, fmt.Errorf("%w: bad stored key encoding", ErrVerifierFormat)
	}
	server, err := base64.StdEncoding.DecodeString(serverB64)
	if err != nil || len(server) != sha256.Size {
		return Verifier{}, fmt.Errorf("%w: bad server key encoding", ErrVerifierFormat)
	}
	return Verifier{Iterations: iterations, Salt: salt, StoredKey: stored, ServerKey: server}, nil
}

// String renders the verifier in the PostgreSQL stored format. The output
// round-trips through ParseVerifier.
func (v Verifier) String() string {
	return fmt.Sprintf("%s$%d:%s$%s:%s", MechanismName, v.Iterations,
		base64.StdEncoding.EncodeToString(v.Salt),
		base64.StdEncoding.EncodeToString(v.StoredKey),
		base64.StdEncoding.EncodeToString(v.ServerKey))
}

// KeyCredential is client-side key material recovered from a verified
// handshake. It can drive the client role without the plaintext password,
// as long as the server presents the matching salt and iteration count.
type KeyCredential struct {
	ClientKey  []byte
	StoredKey  []byte
	ServerKey  []byte
	Salt       []byte
	Iterations int
}

// DeriveKeyCredential expands a salted password into the full client-side
// key set bound to the salt and iteration count that produced it.
func DeriveKeyCredential(saltedPassword, salt []byte, iterations int) KeyCredential {
	ck := clientKey(saltedPassword)
	return KeyCredential{
		ClientKey:  ck,
		StoredKey:  storedKey(ck),
		ServerKey:  serverKey(saltedPassword),
		Salt:       append([]byte(nil), salt...),
		Iterations: iterations,
	}
}
