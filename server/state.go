package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StateTTL bounds how long an authorization redirect may wait for its callback.
const StateTTL = 10 * time.Minute

// ErrStateInvalid indicates the state token is malformed or its signature does not match.
var ErrStateInvalid = errors.New("invalid state token")

// ErrStateExpired indicates the state token is older than StateTTL.
var ErrStateExpired = errors.New("expired state token")

type statePayload struct {
	Timestamp int64  `json:"ts"` // unix milliseconds
	Nonce     string `json:"nonce"`
}

// StateCodec creates and verifies the signed, time-boxed value correlating
// an outbound authorization redirect with its callback. Tokens are
// self-contained: base64url(payload) + "." + hex(HMAC-SHA256(payload)).
// Nothing is stored server-side.
type StateCodec struct {
	secret []byte
	now    func() time.Time
}

// NewStateCodec constructs a codec keyed with secret. An empty secret is a
// deployment misconfiguration, not a fatal condition; it is logged and the
// codec still operates.
func NewStateCodec(secret string, logger *slog.Logger) *StateCodec {
	if secret == "" {
		logger.Warn("state secret is empty, state tokens are not tamper-proof")
	}
	return &StateCodec{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Create mints a fresh state token bound to the current instant.
func (c *StateCodec) Create() string {
	payload := statePayload{
		Timestamp: c.now().UnixMilli(),
		Nonce:     randomNonce(),
	}
	b, _ := json.Marshal(payload)
	encoded := base64.RawURLEncoding.EncodeToString(b)
	return encoded + "." + c.sign(encoded)
}

// Verify checks structure, signature, and age of a state token. Any parse
// failure is reported as ErrStateInvalid rather than propagated.
func (c *StateCodec) Verify(token string) error {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return ErrStateInvalid
	}

	expected := c.sign(encoded)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrStateInvalid
	}

	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrStateInvalid
	}
	var payload statePayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return ErrStateInvalid
	}

	if c.now().UnixMilli()-payload.Timestamp > StateTTL.Milliseconds() {
		return ErrStateExpired
	}
	return nil
}

func (c *StateCodec) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
