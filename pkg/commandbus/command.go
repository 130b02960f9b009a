package commandbus

import (
	"fmt"

	"chaoskey333/pkg/policy"
	"chaoskey333/pkg/signature"
)

// Command is a signed, privileged operation submitted by a caller. Type must
// belong to the closed command vocabulary; IdempotencyKey identifies the
// logical attempt across retransmissions.
type Command struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Timestamp      int64          `json:"timestamp"`
	Actor          string         `json:"actor"`
	Signature      string         `json:"signature"`
}

// Result is the terminal outcome of one command attempt. Immutable once
// produced; accepted results are cached under the idempotency key.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	EventID string         `json:"eventId,omitempty"`
}

// validate checks command shape before any cryptography runs. Messages name
// the exact failing field; the bus never returns a generic error.
func (c Command) validate() error {
	if c.Type == "" {
		return fmt.Errorf("missing command type")
	}
	if !policy.KnownCommand(c.Type) {
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	if c.IdempotencyKey == "" {
		return fmt.Errorf("missing idempotency key")
	}
	if c.Actor == "" {
		return fmt.Errorf("missing actor")
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("missing or invalid timestamp")
	}
	return nil
}

// signedFields is the canonical payload covered by the signature: every
// command field except the signature itself.
func (c Command) signedFields() map[string]any {
	return map[string]any{
		"type":           c.Type,
		"payload":        c.Payload,
		"idempotencyKey": c.IdempotencyKey,
		"timestamp":      c.Timestamp,
		"actor":          c.Actor,
	}
}

// Sign computes the command's signature with the shared secret. Used by
// trusted submitters and tests.
func Sign(c Command, secret string) (string, error) {
	return signature.Sign(c.signedFields(), secret)
}
