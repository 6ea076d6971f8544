// Package token implements the capability-token scheme used by both the
// handshake gateway and per-message authentication.
//
// Tokens look like JWTs (<base64 header>.<base64 payload>.<signature>) but the
// signature is a hex-encoded HMAC-SHA256 over header||payload, and verification
// works by re-deriving a canonical token from the decoded payload and comparing
// it byte-for-byte with the input. The received header segment is therefore
// never parsed or trusted on its own; only the canonical header can survive the
// equality check.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// tokenHeader is the fixed header used for every token this codec creates.
// It is regenerated on each Create/Verify; headers received from clients are
// never decoded.
const tokenHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

// SecretProvider supplies the process-wide signing secret. Injecting it (rather
// than reading ambient process state at signing time) keeps the codec testable
// and allows rotation without global mutation.
type SecretProvider func() []byte

// StaticSecret returns a SecretProvider for a fixed secret.
func StaticSecret(secret string) SecretProvider {
	b := []byte(secret)
	return func() []byte { return b }
}

// Payload is the token claim set. App is required for a token to be considered
// well formed. Socket binds a session token to one connection identity; Exp is
// an absolute expiry in unix seconds. Field order here fixes the canonical JSON
// encoding that signatures are computed over.
type Payload struct {
	App    string `json:"app,omitempty"`
	Socket string `json:"socket,omitempty"`
	Exp    int64  `json:"exp,omitempty"`
}

// ExpiresAfter reports whether the payload's expiry is strictly in the future.
// A zero Exp never passes.
func (p Payload) ExpiresAfter(now time.Time) bool {
	return p.Exp > now.Unix()
}

// Codec creates and verifies tokens. The zero value is not usable; construct
// with NewCodec.
type Codec struct {
	secret SecretProvider
}

func NewCodec(secret SecretProvider) Codec {
	return Codec{secret: secret}
}

// Create builds a token for the payload. It is deterministic: the same payload
// and secret always yield the same token string.
func (c Codec) Create(p Payload) string {
	head := base64.StdEncoding.EncodeToString([]byte(tokenHeaderJSON))

	payloadJSON, err := json.Marshal(p)
	if err != nil {
		// Payload is a plain struct of strings and ints; Marshal cannot fail.
		panic(err)
	}
	payload := base64.StdEncoding.EncodeToString(payloadJSON)

	return head + "." + payload + "." + c.sign(head, payload)
}

// Verify reports whether the token was produced by this codec's secret.
// It fails when the token does not split into three dot-separated segments,
// the payload segment is not base64-decodable JSON, the payload has no app
// field, or re-deriving a canonical token from the decoded payload does not
// reproduce the input exactly.
//
// Verify deliberately does not check expiry; session handling compares Exp
// against the current time per message.
func (c Codec) Verify(tok string) bool {
	payload, ok := c.ResolvePayload(tok)
	if !ok {
		return false
	}
	return hmac.Equal([]byte(c.Create(payload)), []byte(tok))
}

// ResolvePayload decodes the payload segment using the same parse rules as
// Verify but without the signature re-check. It is meant for reading fields out
// of a token whose authenticity was already established, or speculatively
// before a verification failure is reported.
func (c Codec) ResolvePayload(tok string) (Payload, bool) {
	_, payloadB64, _, ok := splitToken(tok)
	if !ok {
		return Payload{}, false
	}

	payloadJSON, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return Payload{}, false
	}

	var p Payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return Payload{}, false
	}
	if p.App == "" {
		return Payload{}, false
	}
	return p, true
}

// AppName returns the app claim, or "" when the token is malformed.
func (c Codec) AppName(tok string) string {
	p, ok := c.ResolvePayload(tok)
	if !ok {
		return ""
	}
	return p.App
}

// SocketID returns the socket claim, or "" when absent or malformed.
func (c Codec) SocketID(tok string) string {
	p, ok := c.ResolvePayload(tok)
	if !ok {
		return ""
	}
	return p.Socket
}

// sign computes the hex HMAC-SHA256 over head||payload. The two base64
// segments are concatenated without a separator; this matches the canonical
// token format and is load-bearing for byte-for-byte re-derivation.
func (c Codec) sign(head, payload string) string {
	mac := hmac.New(sha256.New, c.secret())
	_, _ = mac.Write([]byte(head))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func splitToken(tok string) (head, payload, sig string, ok bool) {
	if tok == "" {
		return "", "", "", false
	}
	head, rest, found := strings.Cut(tok, ".")
	if !found {
		return "", "", "", false
	}
	payload, sig, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sig, ".") {
		return "", "", "", false
	}
	return head, payload, sig, true
}
