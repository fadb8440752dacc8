package scram

import (
	"bytes"
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// ClientConversation runs the client role of one SCRAM exchange,
// authenticating this process to a server. The credential is either a
// plaintext password or a KeyCredential recovered from an earlier verified
// handshake. One per handshake; not safe for concurrent use.
type ClientConversation struct {
	username string
	password string
	keys     *KeyCredential

	// clientNonce is randomized by the constructors; tests overwrite it
	// before ClientFirst for fixed transcripts.
	clientNonce string

	clientFirstBare string
	serverKey       []byte
	authMessage     []byte
	verified        bool
	done            bool
}

// NewClientConversation starts a client-role conversation with a plaintext
// password.
func NewClientConversation(username, password string) *ClientConversation {
	return &ClientConversation{username: username, password: password, clientNonce: newNonce()}
}

// NewKeyClientConversation starts a client-role conversation with recovered
// key material in place of a password. The server must present the matching
// salt and iteration count or HandleServerFirst fails with
// ErrChallengeMismatch.
func NewKeyClientConversation(username string, keys KeyCredential) *ClientConversation {
	return &ClientConversation{username: username, keys: &keys, clientNonce: newNonce()}
}

// ClientFirst builds (once) and returns the client-first-message.
func (c *ClientConversation) ClientFirst() string {
	if c.clientFirstBare == "" {
		c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", encodeName(c.username), c.clientNonce)
	}
	return gs2NoBinding + c.clientFirstBare
}

// HandleServerFirst checks the nonce extension, derives the proof, and
// returns the client-final-message.
func (c *ClientConversation) HandleServerFirst(msg string) (string, error) {
	if c.authMessage != nil || c.done {
		return "", fmt.Errorf("%w: conversation out of order", ErrMalformed)
	}
	c.ClientFirst()

	tokens := strings.Split(msg, ",")
	if len(tokens) < 3 {
		return "", fmt.Errorf("%w: truncated server-first", ErrMalformed)
	}
	if strings.HasPrefix(tokens[0], "m=") {
		return "", fmt.Errorf("%w: mandatory extensions are not supported", ErrMalformed)
	}
	if !strings.HasPrefix(tokens[0], "r=") || !strings.HasPrefix(tokens[1], "s=") || !strings.HasPrefix(tokens[2], "i=") {
		return "", fmt.Errorf("%w: expected r=, s= and i= attributes", ErrMalformed)
	}
	fullNonce := tokens[0][2:]
	// The server must echo our nonce and extend it with its own.
	if !strings.HasPrefix(fullNonce, c.clientNonce) || len(fullNonce) == len(c.clientNonce) {
		return "", ErrNonceMismatch
	}
	salt, err := base64.StdEncoding.DecodeString(tokens[1][2:])
	if err != nil || len(salt) == 0 {
		return "", fmt.Errorf("%w: bad salt encoding", ErrMalformed)
	}
	iterations, err := strconv.Atoi(tokens[2][2:])
	if err != nil || iterations < 1 {
		return "", fmt.Errorf("%w: iteration count %q", ErrMalformed, tokens[2][2:])
	}

	var clientK, storedK, serverK []byte
	if c.keys != nil {
		if !bytes.Equal(salt, c.keys.Salt) || iterations != c.keys.Iterations {
			return "", ErrChallengeMismatch
		}
		clientK, storedK, serverK = c.keys.ClientKey, c.keys.StoredKey, c.keys.ServerKey
	} else {
		saltedPassword, err := SaltedPassword(c.password, salt, iterations)
		if err != nil {
			return "", err
		}
		clientK = clientKey(saltedPassword)
		storedK = storedKey(clientK)
		serverK = serverKey(saltedPassword)
	}
	c.serverKey = serverK

	withoutProof := "c=" + cbindNoBinding + ",r=" + fullNonce
	c.authMessage = []byte(c.clientFirstBare + "," + msg + "," + withoutProof)

	proof := xorBytes(clientK, computeHMAC(storedK, c.authMessage))
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// HandleServerFinal checks the server signature, proving the peer holds the
// real ServerKey rather than replaying a captured challenge.
func (c *ClientConversation) HandleServerFinal(msg string) error {
	if c.authMessage == nil || c.done {
		return fmt.Errorf("%w: conversation out of order", ErrMalformed)
	}
	c.done = true

	if rest, ok := strings.CutPrefix(msg, "e="); ok {
		return fmt.Errorf("%w: %s", ErrServerRejected, rest)
	}
	if !strings.HasPrefix(msg, "v=") {
		return fmt.Errorf("%w: expected v= attribute", ErrMalformed)
	}
	signature, err := base64.StdEncoding.DecodeString(firstToken(msg)[2:])
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	if !hmac.Equal(signature, computeHMAC(c.serverKey, c.authMessage)) {
		return ErrServerSignature
	}
	c.verified = true
	return nil
}

// Verified reports whether the server proved knowledge of the ServerKey.
func (c *ClientConversation) Verified() bool { return c.verified }
