package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRetention caps how many requests Memory keeps.
const memoryRetention = 1000

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	requests []SelectorRequest // oldest first
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordSelectorRequest(_ context.Context, req SelectorRequest) (SelectorRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if over := len(m.requests) - memoryRetention; over > 0 {
		m.requests = append(m.requests[:0:0], m.requests[over:]...)
	}
	return req, nil
}

func (m *Memory) ListSelectorRequests(_ context.Context, limit int) ([]SelectorRequest, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SelectorRequest, 0, min(limit, len(m.requests)))
	for i := len(m.requests) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.requests[i])
	}
	return out, nil
}

func (m *Memory) GetSelectorRequest(_ context.Context, id string) (SelectorRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ID == id {
			return r, nil
		}
	}
	return SelectorRequest{}, ErrNotFound
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
