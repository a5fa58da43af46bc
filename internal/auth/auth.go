// Package auth implements the static bearer-token gate in front of the /v1 endpoints.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

const bearerPrefix = "Bearer "

// Rejection reasons surfaced to clients.
const (
	ReasonMissing       = "API key missing"
	ReasonInvalidFormat = "Invalid API key format"
	ReasonInvalid       = "Invalid API key"
)

// UnauthorizedError is returned when the gate rejects a request.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return e.Reason
}

// Gate checks Authorization headers against one expected token. Its fields are
// fixed at construction and it is safe for concurrent use.
type Gate struct {
	enabled bool
	keyHash [32]byte
}

// NewGate returns a gate. When enabled is false every request is authorised.
func NewGate(enabled bool, apiKey string) *Gate {
	return &Gate{
		enabled: enabled,
		keyHash: sha256.Sum256([]byte(apiKey)),
	}
}

// Enabled reports whether the gate checks tokens at all.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Check validates the raw Authorization header value.
func (g *Gate) Check(header string) error {
	if !g.enabled {
		return nil
	}
	if header == "" {
		return &UnauthorizedError{Reason: ReasonMissing}
	}

	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return &UnauthorizedError{Reason: ReasonInvalidFormat}
	}

	// Hashing first keeps the comparison constant-time regardless of length.
	tokenHash := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(tokenHash[:], g.keyHash[:]) != 1 {
		return &UnauthorizedError{Reason: ReasonInvalid}
	}
	return nil
}
