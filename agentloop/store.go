package agentloop

import (
	"context"
	"sync"

	"github.com/huandu/go-clone"
)

// SessionStore owns conversation state keyed by session identity.
//
// Implementations apply Reduce on every Append and guarantee read-after-write
// within a key. Lock serializes turns of one session; keys never share state.
type SessionStore interface {
	// Lock blocks until the key is free or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// GetOrCreate returns the state for key, creating an empty one.
	GetOrCreate(ctx context.Context, key string) (ConversationState, error)
	// Get returns ErrSessionNotFound for unknown keys.
	Get(ctx context.Context, key string) (ConversationState, error)
	// Append reduces msgs into the log, bumps Step and returns the result.
	Append(ctx context.Context, key string, msgs ...Message) (ConversationState, error)
	Close() error
}

// KeyedMutex is a set of mutexes addressed by key. Entries exist only while
// someone holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key. It gives up with ctx.Err() if ctx ends
// first. The returned func releases the lock and is safe to call twice.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// MemoryStore is the volatile default SessionStore. Nothing is evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*ConversationState
	locks    *KeyedMutex
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ConversationState),
		locks:    NewKeyedMutex(),
	}
}

func (s *MemoryStore) Lock(ctx context.Context, key string) (func(), error) {
	return s.locks.Lock(ctx, key)
}

func (s *MemoryStore) GetOrCreate(_ context.Context, key string) (ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ConversationState{}, ErrStoreClosed
	}
	state, ok := s.sessions[key]
	if !ok {
		state = &ConversationState{}
		s.sessions[key] = state
	}
	return state.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ConversationState{}, ErrStoreClosed
	}
	state, ok := s.sessions[key]
	if !ok {
		return ConversationState{}, ErrSessionNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, key string, msgs ...Message) (ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ConversationState{}, ErrStoreClosed
	}
	state, ok := s.sessions[key]
	if !ok {
		state = &ConversationState{}
		s.sessions[key] = state
	}
	state.Messages = Reduce(state.Messages, clone.Clone(msgs).([]Message))
	state.Step++
	return state.Clone(), nil
}

// Close drops all sessions.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	return nil
}
