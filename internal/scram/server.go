package scram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// ClientFirst is a parsed client-first-message.
type ClientFirst struct {
	// Username is the n= attribute. PostgreSQL clients usually send it
	// empty and rely on the startup packet user instead.
	Username string
	Nonce    string
	// Bare is the client-first-message-bare, kept verbatim because it is
	// the first segment of the AuthMessage.
	Bare string
}

// ParseClientFirst validates the GS2 header and splits the bare message.
// Only the no-channel-binding, no-authzid form "n,," is accepted; "y" and
// "p=" headers fail with ErrChannelBinding.
func ParseClientFirst(msg string) (ClientFirst, error) {
	if !strings.HasPrefix(msg, gs2NoBinding) {
		if strings.HasPrefix(msg, "p=") || strings.HasPrefix(msg, "y,") {
			return ClientFirst{}, fmt.Errorf("%w: GS2 header %q", ErrChannelBinding, firstToken(msg))
		}
		return ClientFirst{}, fmt.Errorf("%w: bad GS2 header", ErrMalformed)
	}
	bare := strings.TrimPrefix(msg, gs2NoBinding)

	tokens := strings.Split(bare, ",")
	if len(tokens) < 2 {
		return ClientFirst{}, fmt.Errorf("%w: truncated client-first", ErrMalformed)
	}
	if strings.HasPrefix(tokens[0], "m=") {
		return ClientFirst{}, fmt.Errorf("%w: mandatory extensions are not supported", ErrMalformed)
	}
	if !strings.HasPrefix(tokens[0], "n=") || !strings.HasPrefix(tokens[1], "r=") {
		return ClientFirst{}, fmt.Errorf("%w: expected n= and r= attributes", ErrMalformed)
	}
	username, err := decodeName(tokens[0][2:])
	if err != nil {
		return ClientFirst{}, err
	}
	nonce := tokens[1][2:]
	if !validNonce(nonce) {
		return ClientFirst{}, fmt.Errorf("%w: bad client nonce", ErrMalformed)
	}
	return ClientFirst{Username: username, Nonce: nonce, Bare: bare}, nil
}

func firstToken(msg string) string {
	tok, _, _ := strings.Cut(msg, ",")
	return tok
}

// ServerConversation runs the server role of one SCRAM exchange against a
// verifier. One per handshake; not safe for concurrent use.
type ServerConversation struct {
	verifier Verifier
	first    ClientFirst

	// serverNonce is this side's nonce contribution. Randomized by the
	// constructor; tests overwrite it before ServerFirst for fixed
	// transcripts.
	serverNonce string

	serverFirst        string
	verified           bool
	done               bool
	recoveredClientKey []byte
}

// NewServerConversation starts a server-role conversation for an already
// parsed client-first-message.
func NewServerConversation(first ClientFirst, verifier Verifier) *ServerConversation {
	return &ServerConversation{first: first, verifier: verifier, serverNonce: newNonce()}
}

// ServerFirst builds (once) and returns the server-first-message: the
// combined nonce, the verifier salt, and the iteration count.
func (c *ServerConversation) ServerFirst() string {
	if c.serverFirst == "" {
		c.serverFirst = fmt.Sprintf("r=%s%s,s=%s,i=%d",
			c.first.Nonce, c.serverNonce,
			base64.StdEncoding.EncodeToString(c.verifier.Salt),
			c.verifier.Iterations)
	}
	return c.serverFirst
}

// HandleClientFinal verifies the channel-binding echo, the nonce, and the
// client proof, and returns the server-final-message. The conversation is
// terminal afterwards; Verified reports the outcome.
func (c *ServerConversation) HandleClientFinal(msg string) (string, error) {
	if c.done {
		return "", fmt.Errorf("%w: conversation already finished", ErrMalformed)
	}
	c.done = true
	c.ServerFirst()

	tokens := strings.Split(msg, ",")
	if len(tokens) < 3 {
		return "", fmt.Errorf("%w: truncated client-final", ErrMalformed)
	}
	if !strings.HasPrefix(tokens[0], "c=") {
		return "", fmt.Errorf("%w: expected c= attribute", ErrMalformed)
	}
	if cbind := tokens[0][2:]; cbind != cbindNoBinding {
		return "", fmt.Errorf("%w: c=%s", ErrChannelBinding, cbind)
	}
	if !strings.HasPrefix(tokens[1], "r=") {
		return "", fmt.Errorf("%w: expected r= attribute", ErrMalformed)
	}
	if nonce := tokens[1][2:]; nonce != c.first.Nonce+c.serverNonce {
		return "", ErrNonceMismatch
	}
	last := tokens[len(tokens)-1]
	if !strings.HasPrefix(last, "p=") {
		return "", fmt.Errorf("%w: missing p= attribute", ErrMalformed)
	}
	proof, err := base64.StdEncoding.DecodeString(last[2:])
	if err != nil || len(proof) != sha256.Size {
		return "", fmt.Errorf("%w: bad proof encoding", ErrMalformed)
	}

	withoutProof := strings.Join(tokens[:len(tokens)-1], ",")
	authMessage := []byte(c.first.Bare + "," + c.serverFirst + "," + withoutProof)

	// ClientProof = ClientKey XOR HMAC(StoredKey, AuthMessage), so XOR-ing
	// the signature back out recovers the candidate ClientKey; hashing it
	// must reproduce StoredKey exactly.
	clientSignature := computeHMAC(c.verifier.StoredKey, authMessage)
	candidateKey := xorBytes(proof, clientSignature)
	if !hmac.Equal(storedKey(candidateKey), c.verifier.StoredKey) {
		return "", ErrProofMismatch
	}
	c.verified = true
	c.recoveredClientKey = candidateKey

	signature := computeHMAC(c.verifier.ServerKey, authMessage)
	return "v=" + base64.StdEncoding.EncodeToString(signature), nil
}

// Verified reports whether the client proof checked out.
func (c *ServerConversation) Verified() bool { return c.verified }

// RecoveredClientKey returns the ClientKey recovered during proof
// verification, or nil before a successful HandleClientFinal. Paired with
// the verifier it lets the gateway run the client role onward without ever
// holding the plaintext password.
func (c *ServerConversation) RecoveredClientKey() []byte {
	if !c.verified {
		return nil
	}
	return c.recoveredClientKey
}
