// Package storage provides the durable key/value store a browser profile
// keeps between visits.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnavailable is returned when the host has disabled storage.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Storage is string-valued durable storage scoped to one browser profile.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Memory is an in-process Storage. The zero value is ready to use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty Memory storage.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

// Clear removes every key, as a user clearing site data would.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]string)
}

// Disabled models storage turned off by the host: every call fails.
type Disabled struct{}

func (Disabled) Get(string) (string, error) { return "", ErrUnavailable }
func (Disabled) Set(string, string) error   { return ErrUnavailable }
