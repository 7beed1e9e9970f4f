// Package statestore mirrors gateway conversation history to an ephemeral
// store so it can be inspected while a session runs. Entries expire after a
// TTL; nothing here is a durable record of the conversation.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Turn is one history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is the mirrored conversation for one gateway session key.
type History struct {
	SessionKey string    `json:"session_key"`
	Turns      []Turn    `json:"turns"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines the history mirror.
type Store interface {
	// Load retrieves the history for a session key.
	Load(ctx context.Context, sessionKey string) (*History, error)

	// Save replaces the history for h.SessionKey and refreshes its TTL.
	Save(ctx context.Context, h *History) error

	// Delete removes a session key. Deleting a missing key is not an error.
	Delete(ctx context.Context, sessionKey string) error

	// List returns the session keys currently held, newest first.
	List(ctx context.Context) ([]string, error)
}

// ErrNotFound is returned when a session key has no mirrored history.
var ErrNotFound = errors.New("history not found")

// ErrInvalidID is returned for an empty session key.
var ErrInvalidID = errors.New("invalid session key")

// ErrInvalidState is returned when saving a nil history.
var ErrInvalidState = errors.New("invalid history")

// defaultTTL applies when no TTL option is given.
const defaultTTL = 24 * time.Hour

func copyHistory(h *History) *History {
	out := *h
	out.Turns = make([]Turn, len(h.Turns))
	copy(out.Turns, h.Turns)
	return &out
}
