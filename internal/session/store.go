// Package session stores the per-conversation sessions checked out by the
// engine for each delivery.
package session

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/keepmind9/botgate/internal/bot"
)

// ErrNilSession is returned by Set when no session is given
var ErrNilSession = errors.New("session is nil")

// Store persists sessions between deliveries
type Store interface {
	// Get returns the session stored under key, or nil when there is none
	Get(ctx context.Context, key string) (*bot.Session, error)
	// Set stores session under key, replacing any previous value
	Set(ctx context.Context, key string, session *bot.Session) error
}

// Key namespaces a session key with its platform
func Key(platform, sessionKey string) string {
	return platform + ":" + sessionKey
}

// MemoryStore is an in-process Store bounded by an LRU. It stores and returns
// clones, so a checked-out session never aliases the stored one.
type MemoryStore struct {
	cache *lru.Cache[string, *bot.Session]
}

// NewMemoryStore creates a store holding at most size sessions
func NewMemoryStore(size int) (*MemoryStore, error) {
	cache, err := lru.New[string, *bot.Session](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

// Get returns a copy of the session stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) (*bot.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

// Set stores a copy of session under key
func (s *MemoryStore) Set(ctx context.Context, key string, session *bot.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil {
		return ErrNilSession
	}
	s.cache.Add(key, session.Clone())
	return nil
}

// Len returns the number of stored sessions
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
