// Package workspace derives which workspace is active from the session
// plus the persisted choice, and gates selection on being signed in.
package workspace

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/remotestore"
)

// SessionState is the slice of the session store the selector watches.
// UpdateWorkspace keeps the identity's workspace membership in step with
// the active selection; it must no-op when the value is already current.
type SessionState interface {
	Session() *remotestore.Session
	Subscribe(fn func()) func()
	UpdateWorkspace(ctx context.Context, workspaceID string) error
}

// Selector owns the active-workspace preference. Select is rejected (as a
// no-op) while signed out; the choice clears itself when the session
// clears; every transition writes through to the durable cache before
// returning.
type Selector struct {
	sessions    SessionState
	cache       *cache.Cache
	logger      *zap.Logger
	unsubscribe func()

	mu        sync.Mutex
	active    *chat.Workspace
	observers map[int]func()
	nextObs   int
}

func New(sessions SessionState, cacheStore *cache.Cache, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		sessions:  sessions,
		cache:     cacheStore,
		logger:    logger,
		observers: map[int]func(){},
	}
	s.restore()
	s.unsubscribe = sessions.Subscribe(s.onSessionChange)
	return s
}

// restore re-derives the persisted choice. The blob read fails closed: a
// corrupt entry is discarded by the cache and the workspace stays unset.
func (s *Selector) restore() {
	if selected, ok := s.cache.Bool(cache.KeyWorkspaceSelected); !ok || !selected {
		return
	}
	var ws chat.Workspace
	if !s.cache.GetJSON(cache.KeyActiveWorkspace, &ws) || ws.ID == "" {
		s.cache.Clear(cache.KeyActiveWorkspace, cache.KeyWorkspaceSelected)
		return
	}
	if s.sessions.Session() == nil {
		return
	}
	s.mu.Lock()
	s.active = &ws
	s.mu.Unlock()
	s.pushToIdentity(ws.ID)
}

// ActiveWorkspace returns the active workspace, or nil while unselected.
func (s *Selector) ActiveWorkspace() *chat.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	clone := *s.active
	return &clone
}

// Select makes ws active. Rejected silently while no session exists. The
// durable write completes before Select returns, so a read from any other
// component in the same tick observes the new value.
func (s *Selector) Select(ws chat.Workspace) {
	if s.sessions.Session() == nil {
		s.logger.Debug("workspace selection ignored while signed out", zap.String("workspace_id", ws.ID))
		return
	}
	s.mu.Lock()
	s.active = &ws
	s.mu.Unlock()
	s.cache.SetJSON(cache.KeyActiveWorkspace, ws)
	s.cache.SetBool(cache.KeyWorkspaceSelected, true)
	s.notify()
	s.pushToIdentity(ws.ID)
}

// Clear drops the active workspace and its durable entries.
func (s *Selector) Clear() {
	s.mu.Lock()
	cleared := s.active != nil
	s.active = nil
	s.mu.Unlock()
	s.cache.Clear(cache.KeyActiveWorkspace, cache.KeyWorkspaceSelected)
	if cleared {
		s.notify()
	}
}

// Close detaches the selector from the session store.
func (s *Selector) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Subscribe registers an observer called after every selection change.
func (s *Selector) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Selector) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Selector) onSessionChange() {
	if s.sessions.Session() == nil {
		s.Clear()
		return
	}
	// Identity may load after the selection was restored; re-align it.
	if ws := s.ActiveWorkspace(); ws != nil {
		s.pushToIdentity(ws.ID)
	}
}

// pushToIdentity mirrors the active workspace into the identity's profile
// so the two never disagree. Best effort; a failed write is retried on the
// next session change.
func (s *Selector) pushToIdentity(workspaceID string) {
	if err := s.sessions.UpdateWorkspace(context.Background(), workspaceID); err != nil {
		s.logger.Warn("workspace write-through to profile failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}
