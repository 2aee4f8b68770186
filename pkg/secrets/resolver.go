// Package secrets resolves secret references (for example the auth code of
// a callback address) without the value ever being persisted on an entity.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a reference has no value.
var ErrNotFound = errors.New("secret not found")

// Resolver looks up the value behind a secret reference.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver reads secrets from environment variables. The reference
// "callback-key.1" with prefix "CONNECTOR_SECRET_" is looked up as
// CONNECTOR_SECRET_CALLBACK_KEY_1.
type EnvResolver struct {
	Prefix string
	lookup func(string) (string, bool)
}

func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{Prefix: prefix, lookup: os.LookupEnv}
}

func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	name := r.Prefix + envName(ref)
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return v, nil
}

func envName(ref string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z':
			return c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, ref)
}

// MemoryResolver holds secrets in memory. Used in lite mode and tests.
type MemoryResolver struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryResolver(values map[string]string) *MemoryResolver {
	m := &MemoryResolver{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemoryResolver) Set(ref, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ref] = value
}

func (m *MemoryResolver) Resolve(_ context.Context, ref string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return v, nil
}

// Chain tries each resolver in order and returns the first value found.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref string) (string, error) {
	for _, r := range c {
		v, err := r.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}
