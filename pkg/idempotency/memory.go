package idempotency

import (
	"context"
	"sync"
)

// MemoryInbox is an in-process Guard for single-instance deployments and tests.
// Claims do not survive a restart.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]Status
}

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[string]Status)}
}

// Process implements Guard
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) error {
	m.mu.Lock()
	switch m.entries[key] {
	case StatusStarted:
		m.mu.Unlock()
		return ErrMessageInProgress
	case StatusFinished, StatusFailed:
		m.mu.Unlock()
		return ErrDuplicateMessage
	}
	m.entries[key] = StatusStarted
	m.mu.Unlock()

	err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.entries[key] = StatusFinished
	case IsTerminal(err):
		m.entries[key] = StatusFailed
	default:
		m.entries[key] = StatusRecoverable
	}
	return err
}

// Status returns the recorded status of key, or "" when unknown
func (m *MemoryInbox) Status(key string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}
