package store

import (
	"context"
	"errors"
	"time"
)

// SelectorRequest is one UpdateSelector call as received, accepted or not.
type SelectorRequest struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
	Source     string    `json:"source"` // http or redis
	Accounts   []string  `json:"accounts"`
	Owners     []string  `json:"owners"`
	Accepted   bool      `json:"accepted"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence interface used by the control plane. Nothing on
// the broadcast path touches it.
type Store interface {
	// RecordSelectorRequest assigns ID and ReceivedAt when empty.
	RecordSelectorRequest(ctx context.Context, req SelectorRequest) (SelectorRequest, error)
	// ListSelectorRequests returns the newest requests first.
	ListSelectorRequests(ctx context.Context, limit int) ([]SelectorRequest, error)
	GetSelectorRequest(ctx context.Context, id string) (SelectorRequest, error)
	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
