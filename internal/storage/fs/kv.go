// Package fs stores each key of the client's durable state as its own file
// under one directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var (
	ErrUnsafeKey = errors.New("unsafe key")
	keyPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
)

const (
	lockFileName = ".lock"
	lockTimeout  = 5 * time.Second
)

type KV struct {
	dir string
	mu  sync.Mutex
}

func Open(dir string) (*KV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &KV{dir: dir}, nil
}

func (s *KV) path(key string) (string, error) {
	if !keyPattern.MatchString(key) || key == lockFileName {
		return "", fmt.Errorf("%w: %q", ErrUnsafeKey, key)
	}
	return filepath.Join(s.dir, key), nil
}

// lock serialises writers inside this process and across processes.
func (s *KV) lock() (func(), error) {
	s.mu.Lock()
	fl, err := AcquireFileLock(filepath.Join(s.dir, lockFileName), lockTimeout)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock store: %w", err)
	}
	return func() {
		_ = fl.Release()
		s.mu.Unlock()
	}, nil
}

func (s *KV) Get(_ context.Context, key string) (string, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func (s *KV) Set(ctx context.Context, key, value string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return WriteFileAtomic(path, []byte(value), 0o600)
}

func (s *KV) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *KV) Close() error {
	return nil
}
