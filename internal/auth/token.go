package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderToken     = "X-Collab-Token"
	HeaderTimestamp = "X-Collab-Timestamp"
	HeaderSignature = "X-Collab-Signature"

	// ReplayWindow bounds how far a signed timestamp may drift from the server clock.
	ReplayWindow = 120 * time.Second
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrBadSignature = errors.New("bad signature")
)

// GenerateToken returns a fresh URL-safe shared secret.
func GenerateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Gate checks requests against the single shared secret.
type Gate struct {
	token []byte
	now   func() time.Time
}

func NewGate(token string) *Gate {
	return &Gate{token: []byte(strings.TrimSpace(token)), now: time.Now}
}

// WithClock returns a copy of the gate that reads time from now.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	return &Gate{token: g.token, now: now}
}

// Authorize accepts "Authorization: Bearer <token>" or the X-Collab-Token header.
func (g *Gate) Authorize(r *http.Request) error {
	supplied := SuppliedToken(r)
	if supplied == "" || len(g.token) == 0 {
		return ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(supplied), g.token) != 1 {
		return ErrForbidden
	}
	return nil
}

// VerifyRequest checks the timestamp and signature headers of a write against its raw body.
func (g *Gate) VerifyRequest(r *http.Request, rawBody []byte) error {
	return g.Verify(
		r.Method,
		r.URL.Path,
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderSignature),
		rawBody,
	)
}

func (g *Gate) Verify(method, path, timestamp, signature string, rawBody []byte) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.ToLower(strings.TrimSpace(signature))
	if timestamp == "" || signature == "" {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	drift := g.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(ReplayWindow/time.Second) {
		return ErrBadSignature
	}
	expected := sign(g.token, method, path, timestamp, rawBody)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the lowercase hex signature a client sends with a write.
func Sign(token, method, path string, timestamp int64, rawBody []byte) string {
	return sign([]byte(token), method, path, strconv.FormatInt(timestamp, 10), rawBody)
}

// SignRequest sets the timestamp and signature headers on an outgoing request.
func SignRequest(r *http.Request, token string, rawBody []byte, at time.Time) {
	ts := at.Unix()
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, Sign(token, r.Method, r.URL.Path, ts, rawBody))
}

func sign(secret []byte, method, path, timestamp string, rawBody []byte) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = fmt.Fprintf(sum, "%s\n%s\n%s\n", method, path, timestamp)
	_, _ = sum.Write(rawBody)
	return hex.EncodeToString(sum.Sum(nil))
}

// SuppliedToken extracts the caller's token, preferring the Authorization header.
func SuppliedToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}
