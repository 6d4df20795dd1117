// Package session owns the identity and session lifecycle: bootstrap
// after a restart, login/signup/logout, profile provisioning, and the
// status/presence mutations. It is the only writer of Session and
// Identity; everything else observes through Subscribe.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/remotestore"
)

const defaultAuthTimeout = 15 * time.Second

// Options configures New. Zero values are usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// AuthTimeout bounds Login/Signup when the caller's context has no
	// deadline, so the UI never sits in a loading state forever.
	AuthTimeout time.Duration
}

// Store holds the current Session and Identity and mirrors every
// transition into the durable cache so a restarted process can re-derive
// the same visible state before any remote round trip completes.
type Store struct {
	remote      remotestore.Client
	cache       *cache.Cache
	logger      *zap.Logger
	metrics     *metrics.Collector
	authTimeout time.Duration

	mu        sync.Mutex
	session   *remotestore.Session
	identity  *chat.Identity
	loading   bool
	loadedFor string // access token whose profile load already ran
	observers map[int]func()
	nextObs   int

	stream       remotestore.Stream
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func New(remote remotestore.Client, cacheStore *cache.Cache, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.AuthTimeout
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &Store{
		remote:      remote,
		cache:       cacheStore,
		logger:      logger,
		metrics:     opts.Metrics,
		authTimeout: timeout,
		observers:   map[int]func(){},
	}
}

// Session returns the live grant, or nil while signed out.
func (s *Store) Session() *remotestore.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	clone := *s.session
	return &clone
}

// Identity returns the loaded identity, or nil. Identity is never non-nil
// while Session is nil.
func (s *Store) Identity() *chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	clone := *s.identity
	return &clone
}

// Loading reports whether an auth or profile round trip is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Subscribe registers an observer called after every visible state
// transition. The returned func unregisters it.
func (s *Store) Subscribe(fn func()) func() {
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

func (s *Store) notify() {
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

// Bootstrap restores state after a restart: consult the durable
// authenticated flag, ask the store for a session snapshot, refresh at
// most once when the flag disagrees with the store, then subscribe to
// session-change notifications. A store outage is not fatal; the client
// starts signed out and the flag is left for the next attempt.
func (s *Store) Bootstrap(ctx context.Context) error {
	hadFlag, _ := s.cache.Bool(cache.KeyAuthenticated)

	sess, err := s.remote.GetSession(ctx)
	if err != nil {
		// Still subscribe: the stream resyncs once the store is back and
		// re-adopts the live session without a restart.
		s.logger.Warn("session snapshot fetch failed", zap.Error(err))
		s.setLoading(false)
		s.notify()
		return s.watchSessionChanges(ctx)
	}
	if sess == nil && hadFlag {
		// The durable flag claims a prior login; try one refresh, then
		// accept logged-out. Never loop.
		sess, err = s.remote.RefreshSession(ctx)
		if err != nil {
			s.logger.Warn("session refresh failed", zap.Error(err))
			sess = nil
		}
		if sess == nil {
			s.cache.Clear(cache.KeyAuthenticated, cache.KeyAuthTimestamp)
		}
	}

	if sess != nil {
		s.adoptSession(ctx, sess)
	}
	return s.watchSessionChanges(ctx)
}

// Login authenticates and loads the profile. Auth failures surface as
// *AuthError; a profile load failure after a successful grant returns
// ErrProfileUnavailable with the session kept and Identity nil.
func (s *Store) Login(ctx context.Context, email, password string) error {
	return s.authenticate(ctx, func(ctx context.Context) (*remotestore.Session, error) {
		return s.remote.SignIn(ctx, email, password)
	})
}

// Signup creates the account, authenticates, and provisions the profile
// with the given display name.
func (s *Store) Signup(ctx context.Context, email, password, displayName string) error {
	return s.authenticate(ctx, func(ctx context.Context) (*remotestore.Session, error) {
		return s.remote.SignUp(ctx, email, password, remotestore.SignUpAttributes{
			DisplayName: strings.TrimSpace(displayName),
		})
	})
}

func (s *Store) authenticate(ctx context.Context, acquire func(context.Context) (*remotestore.Session, error)) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.authTimeout)
		defer cancel()
	}

	s.setLoading(true)
	s.notify()
	defer func() {
		s.setLoading(false)
		s.notify()
	}()

	sess, err := acquire(ctx)
	if err != nil {
		return classifyAuthError(err)
	}
	return s.adoptSession(ctx, sess)
}

// adoptSession installs the grant, mirrors it durably, and runs the
// profile load exactly once for this grant.
func (s *Store) adoptSession(ctx context.Context, sess *remotestore.Session) error {
	s.mu.Lock()
	alreadyLoaded := s.loadedFor == sess.AccessToken && s.identity != nil
	s.session = sess
	s.mu.Unlock()

	s.cache.SetBool(cache.KeyAuthenticated, true)
	s.cache.SetTime(cache.KeyAuthTimestamp, time.Now().UTC())
	s.notify()

	if alreadyLoaded {
		return nil
	}
	return s.loadProfile(ctx, sess)
}

func (s *Store) loadProfile(ctx context.Context, sess *remotestore.Session) error {
	s.mu.Lock()
	if s.loadedFor == sess.AccessToken {
		s.mu.Unlock()
		return nil
	}
	s.loadedFor = sess.AccessToken
	s.mu.Unlock()

	profile, err := s.fetchOrProvisionProfile(ctx, sess.UserID)
	if err != nil {
		s.mu.Lock()
		// Allow a later session-change notification to retry.
		if s.loadedFor == sess.AccessToken {
			s.loadedFor = ""
		}
		s.mu.Unlock()
		s.logger.Warn("profile load failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return ErrProfileUnavailable
	}

	identity := identityFromProfile(profile)
	s.mu.Lock()
	if s.session == nil || s.session.AccessToken != sess.AccessToken {
		// Signed out (or re-authenticated) while the load was in flight.
		s.mu.Unlock()
		return nil
	}
	s.identity = &identity
	s.mu.Unlock()
	s.notify()
	return nil
}

// fetchOrProvisionProfile reads the profile, creating it with defaults on
// first login. Provisioning is idempotent: a conflict from a concurrent
// attempt is treated as a successful read.
func (s *Store) fetchOrProvisionProfile(ctx context.Context, userID string) (*remotestore.Profile, error) {
	profile, err := s.remote.FetchProfile(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, remotestore.ErrNotFound) {
		return nil, err
	}

	seed := remotestore.Profile{
		ID:       userID,
		Presence: chat.PresenceOffline,
	}
	if insertErr := s.remote.InsertProfile(ctx, seed); insertErr != nil {
		if !errors.Is(insertErr, remotestore.ErrConflict) {
			return nil, insertErr
		}
		s.metrics.ProvisionConflict()
		s.logger.Debug("profile already provisioned elsewhere", zap.String("user_id", userID))
	}
	return s.remote.FetchProfile(ctx, userID)
}

// UpdateStatus publishes a new status. A no-op while no identity is
// loaded. The local copy changes only after the remote acknowledges.
func (s *Store) UpdateStatus(ctx context.Context, status chat.Status) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return nil
	}
	id := s.identity.ID
	s.mu.Unlock()

	if err := s.remote.UpdateProfile(ctx, id, remotestore.ProfileUpdate{Status: &status}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.identity != nil && s.identity.ID == id {
		s.identity.Status = status
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdatePresence publishes a new presence value; same acknowledgment rule
// as UpdateStatus.
func (s *Store) UpdatePresence(ctx context.Context, presence chat.Presence) error {
	if !chat.ValidPresence(presence) {
		return errors.New("unrecognized presence value")
	}
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return nil
	}
	id := s.identity.ID
	s.mu.Unlock()

	if err := s.remote.UpdateProfile(ctx, id, remotestore.ProfileUpdate{Presence: &presence}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.identity != nil && s.identity.ID == id {
		s.identity.Presence = presence
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdateWorkspace records which workspace the identity belongs to, keeping
// the profile in step with the active-workspace selection. A no-op while no
// identity is loaded or when the identity already carries workspaceID; the
// local copy changes only after the remote acknowledges.
func (s *Store) UpdateWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	if s.identity == nil || s.identity.WorkspaceID == workspaceID {
		s.mu.Unlock()
		return nil
	}
	id := s.identity.ID
	s.mu.Unlock()

	if err := s.remote.UpdateProfile(ctx, id, remotestore.ProfileUpdate{WorkspaceID: &workspaceID}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.identity != nil && s.identity.ID == id {
		s.identity.WorkspaceID = workspaceID
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Logout signs out locally no matter what the remote says: request
// invalidation, then clear Identity, Session, and every durable key. The
// local clears run even when the remote call fails.
func (s *Store) Logout(ctx context.Context) error {
	err := s.remote.SignOut(ctx)
	if err != nil {
		s.logger.Warn("remote sign-out failed, clearing local state anyway", zap.Error(err))
	}
	s.clearLocal()
	return err
}

func (s *Store) clearLocal() {
	s.mu.Lock()
	s.identity = nil
	s.session = nil
	s.loadedFor = ""
	s.mu.Unlock()
	s.cache.Clear(cache.AllKeys()...)
	s.notify()
}

// Close stops the session-change subscription.
func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.streamCancel
	stream := s.stream
	done := s.streamDone
	s.streamCancel = nil
	s.stream = nil
	s.streamDone = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		<-done
	}
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) watchSessionChanges(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := s.remote.SubscribeChanges(streamCtx, remotestore.SessionResource, nil)
	if err != nil {
		cancel()
		s.logger.Warn("session change subscription failed", zap.Error(err))
		return err
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.stream = stream
	s.streamCancel = cancel
	s.streamDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range stream.Events() {
			s.handleSessionEvent(streamCtx, ev)
		}
	}()
	return nil
}

func (s *Store) handleSessionEvent(ctx context.Context, ev remotestore.ChangeEvent) {
	switch ev.Kind {
	case remotestore.ChangeDelete:
		s.logger.Info("session invalidated remotely")
		s.clearLocal()
	case remotestore.ChangeResync:
		sess, err := s.remote.GetSession(ctx)
		if err != nil {
			s.logger.Warn("session re-check after reconnect failed", zap.Error(err))
			return
		}
		if sess == nil {
			s.clearLocal()
			return
		}
		_ = s.adoptSession(ctx, sess)
	case remotestore.ChangeInsert, remotestore.ChangeUpdate:
		var sess remotestore.Session
		if err := json.Unmarshal(ev.Row, &sess); err != nil {
			s.logger.Warn("undecodable session event", zap.Error(err))
			return
		}
		_ = s.adoptSession(ctx, &sess)
	}
}

func identityFromProfile(p *remotestore.Profile) chat.Identity {
	presence := p.Presence
	if !chat.ValidPresence(presence) {
		presence = chat.PresenceOffline
	}
	return chat.Identity{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Status:      p.Status,
		Presence:    presence,
		Timezone:    p.Timezone,
		Role:        p.Role,
		WorkspaceID: p.WorkspaceID,
	}
}
