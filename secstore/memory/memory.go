// Package memory provides a thread-safe in-memory implementation of
// secstore.Store. Suitable for tests and demos; secrets are lost on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mreed/walletkit/secstore"
)

type entry struct {
	value       []byte
	requireAuth bool
}

// Store is a thread-safe in-memory secstore.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[secstore.SecretKind]entry
	auth secstore.Authenticator
}

var _ secstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithAuthenticator sets the authenticator consulted for gated reads.
// Without one, gated secrets are readable ungated (software-only fallback).
func WithAuthenticator(a secstore.Authenticator) Option {
	return func(s *Store) { s.auth = a }
}

// NewStore creates an empty in-memory Store.
func NewStore(opts ...Option) *Store {
	s := &Store{data: make(map[string]map[secstore.SecretKind]entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, username string, kind secstore.SecretKind, value []byte, requireAuth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[username]; !ok {
		s.data[username] = make(map[secstore.SecretKind]entry)
	}
	s.data[username][kind] = entry{value: append([]byte(nil), value...), requireAuth: requireAuth}
	return nil
}

func (s *Store) Get(ctx context.Context, username string, kind secstore.SecretKind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.data[username][kind]
	auth := s.auth
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", username, kind, secstore.ErrNotFound)
	}
	if e.requireAuth && auth != nil {
		if err := auth.Authenticate(ctx, "unlock "+string(kind)); err != nil {
			return nil, fmt.Errorf("%w: %v", secstore.ErrAuthenticationDenied, err)
		}
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Delete(ctx context.Context, username string, kind secstore.SecretKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kinds, ok := s.data[username]; ok {
		delete(kinds, kind)
		if len(kinds) == 0 {
			delete(s.data, username)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, username)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	usernames := make([]string, 0, len(s.data))
	for u := range s.data {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	return usernames, nil
}

func (s *Store) HasHardwareAuth() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth != nil && s.auth.HardwareBacked()
}
