// Package storage keeps uploaded resume files.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage uploads objects and builds links to them.
type Storage interface {
	// Upload stores data under key and returns its URI.
	Upload(ctx context.Context, data []byte, key string) (string, error)
	PublicURL(key string) string
}

// ObjectKey builds a collision-free key for a resume of candidateID.
func ObjectKey(candidateID, filename string, now time.Time) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "resume"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	return fmt.Sprintf("resumes/%s/%s/%s-%s", candidateID, now.UTC().Format("2006/01/02"), uuid.NewString(), name)
}

// Memory keeps objects in a map.
type Memory struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "mem://resumes"
	}
	return &Memory{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, data []byte, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return m.PublicURL(key), nil
}

func (m *Memory) PublicURL(key string) string {
	return m.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Object returns a stored object.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
