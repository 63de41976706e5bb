// Package storage persists the client's durable key-value state: in practice
// the single auth token entry.
package storage

import (
	"context"
	"fmt"
	"sync"

	"memoledger/internal/auth"
)

// KV is a durable string key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const tokenKey = "token"

// TokenStore keeps the raw auth token under one key, sealed when a secret
// is configured.
type TokenStore struct {
	kv     KV
	sealer *auth.Sealer
}

func NewTokenStore(kv KV, sealer *auth.Sealer) *TokenStore {
	return &TokenStore{kv: kv, sealer: sealer}
}

// Load returns "" when no token is stored.
func (s *TokenStore) Load(ctx context.Context) (string, error) {
	stored, ok, err := s.kv.Get(ctx, tokenKey)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return "", nil
	}
	token, err := s.sealer.Open(stored)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}
	return token, nil
}

func (s *TokenStore) Save(ctx context.Context, token string) error {
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	if err := s.kv.Set(ctx, tokenKey, sealed); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, tokenKey); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Memory is an in-process KV, used by tests and when persistence is off.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
