package session

import (
	"context"
	"errors"

	"github.com/hupe1980/taskmesh/core"
)

// ErrEmptyID is returned for operations on an empty session id.
var ErrEmptyID = errors.New("session id must not be empty")

// Store persists the message history of sessions.
type Store interface {
	// Load returns the stored history of id. An unknown id yields an empty
	// history and no error.
	Load(ctx context.Context, id string) ([]core.Message, error)
	// Save replaces the stored history of id.
	Save(ctx context.Context, id string, msgs []core.Message) error
	// Delete removes the history of id.
	Delete(ctx context.Context, id string) error
}
