package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/remotestore"
)

type fakeStream struct {
	events    chan remotestore.ChangeEvent
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan remotestore.ChangeEvent, 8)}
}

func (s *fakeStream) Events() <-chan remotestore.ChangeEvent { return s.events }
func (s *fakeStream) Err() error                             { return nil }
func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type fakeRemote struct {
	mu sync.Mutex

	session       *remotestore.Session
	getSessionErr error

	refreshSession *remotestore.Session
	refreshCalls   int

	signInSession *remotestore.Session
	signInErr     error
	signUpSession *remotestore.Session
	signUpErr     error

	signOutErr   error
	signOutCalls int

	profiles         map[string]*remotestore.Profile
	fetchProfileErr  error
	insertProfileErr error
	// installed on a conflicting insert, simulating the concurrent writer
	profileAfterConflict *remotestore.Profile
	insertProfileCalls   int

	updateProfileErr error
	updates          []remotestore.ProfileUpdate

	streams []*fakeStream
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{profiles: map[string]*remotestore.Profile{}}
}

func (f *fakeRemote) GetSession(ctx context.Context) (*remotestore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getSessionErr != nil {
		return nil, f.getSessionErr
	}
	return f.session, nil
}

func (f *fakeRemote) RefreshSession(ctx context.Context) (*remotestore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshSession, nil
}

func (f *fakeRemote) SignIn(ctx context.Context, email, password string) (*remotestore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return f.signInSession, nil
}

func (f *fakeRemote) SignUp(ctx context.Context, email, password string, attrs remotestore.SignUpAttributes) (*remotestore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	return f.signUpSession, nil
}

func (f *fakeRemote) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	return f.signOutErr
}

func (f *fakeRemote) FetchProfile(ctx context.Context, id string) (*remotestore.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchProfileErr != nil {
		return nil, f.fetchProfileErr
	}
	profile, ok := f.profiles[id]
	if !ok {
		return nil, remotestore.ErrNotFound
	}
	clone := *profile
	return &clone, nil
}

func (f *fakeRemote) InsertProfile(ctx context.Context, profile remotestore.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertProfileCalls++
	if f.insertProfileErr != nil {
		if errors.Is(f.insertProfileErr, remotestore.ErrConflict) && f.profileAfterConflict != nil {
			f.profiles[f.profileAfterConflict.ID] = f.profileAfterConflict
		}
		return f.insertProfileErr
	}
	clone := profile
	f.profiles[profile.ID] = &clone
	return nil
}

func (f *fakeRemote) UpdateProfile(ctx context.Context, id string, update remotestore.ProfileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateProfileErr != nil {
		return f.updateProfileErr
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeRemote) FetchMessages(ctx context.Context, channelID string) ([]chat.Message, error) {
	return nil, nil
}

func (f *fakeRemote) InsertMessage(ctx context.Context, msg chat.Message) error {
	return nil
}

func (f *fakeRemote) SubscribeChanges(ctx context.Context, resource string, kinds []remotestore.ChangeKind) (remotestore.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := newFakeStream()
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeRemote) sessionStream(t *testing.T) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		t.Fatalf("expected a session-change subscription to be open")
	}
	return f.streams[len(f.streams)-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSession(token, userID string) *remotestore.Session {
	return &remotestore.Session{
		AccessToken:  token,
		RefreshToken: "rt_" + token,
		UserID:       userID,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestBootstrapStaleFlagRefreshesOnceThenAcceptsLoggedOut(t *testing.T) {
	remote := newFakeRemote()
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)
	durable.SetTime(cache.KeyAuthTimestamp, time.Now())

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	if remote.refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", remote.refreshCalls)
	}
	if store.Session() != nil {
		t.Fatalf("expected logged-out state after failed recovery")
	}
	if _, ok := durable.Bool(cache.KeyAuthenticated); ok {
		t.Fatalf("expected stale authenticated flag to be cleared")
	}
}

func TestBootstrapRefreshRecoversSession(t *testing.T) {
	remote := newFakeRemote()
	remote.refreshSession = testSession("at_rec", "u_1")
	remote.profiles["u_1"] = &remotestore.Profile{ID: "u_1", DisplayName: "Ada", Presence: chat.PresenceActive}
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	sess := store.Session()
	if sess == nil || sess.AccessToken != "at_rec" {
		t.Fatalf("expected recovered session, got %+v", sess)
	}
	identity := store.Identity()
	if identity == nil || identity.DisplayName != "Ada" {
		t.Fatalf("expected identity loaded after recovery, got %+v", identity)
	}
}

func TestBootstrapWithoutFlagNeverRefreshes(t *testing.T) {
	remote := newFakeRemote()
	durable := cache.New(cache.NewInMemoryBackend(), nil)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if remote.refreshCalls != 0 {
		t.Fatalf("expected no refresh without the durable flag, got %d", remote.refreshCalls)
	}
}

func TestBootstrapSurvivesRemoteOutage(t *testing.T) {
	remote := newFakeRemote()
	remote.getSessionErr = errors.New("connection refused")
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("expected outage to be non-fatal, got %v", err)
	}
	if store.Session() != nil {
		t.Fatalf("expected signed-out start during outage")
	}
	if store.Loading() {
		t.Fatalf("expected loading to settle after outage")
	}
	if flag, ok := durable.Bool(cache.KeyAuthenticated); !ok || !flag {
		t.Fatalf("expected the durable flag to survive an outage for the next attempt")
	}
}

func TestBootstrapOutageStillWatchesSessionChanges(t *testing.T) {
	remote := newFakeRemote()
	remote.getSessionErr = errors.New("connection refused")
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("expected outage to be non-fatal, got %v", err)
	}

	// The stream must be open even though the initial fetch failed;
	// recovery arrives as a resync, not a restart.
	stream := remote.sessionStream(t)

	remote.mu.Lock()
	remote.getSessionErr = nil
	remote.session = testSession("at_back", "u_9")
	remote.profiles["u_9"] = &remotestore.Profile{ID: "u_9", DisplayName: "Back", Presence: chat.PresenceActive}
	remote.mu.Unlock()

	stream.events <- remotestore.ChangeEvent{
		EventID:  "evt_back",
		Kind:     remotestore.ChangeResync,
		Resource: remotestore.SessionResource,
	}
	waitUntil(t, "session adopted once the store came back", func() bool {
		sess := store.Session()
		return sess != nil && sess.AccessToken == "at_back"
	})
}

func TestLoginLoadsIdentityAndMirrorsCache(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_login", "u_2")
	remote.profiles["u_2"] = &remotestore.Profile{ID: "u_2", Email: "a@b.c", DisplayName: "Grace", Presence: chat.PresenceActive}
	durable := cache.New(cache.NewInMemoryBackend(), nil)

	store := New(remote, durable, Options{})
	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if store.Session() == nil {
		t.Fatalf("expected a session after login")
	}
	identity := store.Identity()
	if identity == nil || identity.DisplayName != "Grace" {
		t.Fatalf("expected identity after login, got %+v", identity)
	}
	if flag, ok := durable.Bool(cache.KeyAuthenticated); !ok || !flag {
		t.Fatalf("expected authenticated flag to be set")
	}
	if _, ok := durable.Time(cache.KeyAuthTimestamp); !ok {
		t.Fatalf("expected auth timestamp to be set")
	}
	if store.Loading() {
		t.Fatalf("expected loading to settle after login")
	}
}

func TestLoginClassifiesInvalidCredentials(t *testing.T) {
	remote := newFakeRemote()
	remote.signInErr = &remotestore.HTTPError{StatusCode: 401, Code: "unauthorized", Message: "bad password"}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	err := store.Login(context.Background(), "a@b.c", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.Kind != AuthInvalidCredentials {
		t.Fatalf("expected invalid_credentials, got %s", authErr.Kind)
	}
	if store.Session() != nil {
		t.Fatalf("expected no session after rejected login")
	}
}

func TestSignupClassifiesDuplicateAccount(t *testing.T) {
	remote := newFakeRemote()
	remote.signUpErr = &remotestore.HTTPError{StatusCode: 409, Code: "conflict", Message: "email taken"}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	err := store.Signup(context.Background(), "a@b.c", "pw", "Ada")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.Kind != AuthDuplicateAccount {
		t.Fatalf("expected duplicate_account, got %s", authErr.Kind)
	}
}

func TestLoginKeepsSessionWhenProfileLoadFails(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_noprofile", "u_3")
	remote.fetchProfileErr = errors.New("profile service down")
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	err := store.Login(context.Background(), "a@b.c", "pw")
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Fatalf("expected ErrProfileUnavailable, got %v", err)
	}
	if store.Session() == nil {
		t.Fatalf("expected session to be kept for retry")
	}
	if store.Identity() != nil {
		t.Fatalf("expected identity to stay nil until the load succeeds")
	}
}

func TestFirstLoginProvisionsProfile(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_first", "u_new")
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	if err := store.Login(context.Background(), "new@b.c", "pw"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if remote.insertProfileCalls != 1 {
		t.Fatalf("expected one provisioning insert, got %d", remote.insertProfileCalls)
	}
	identity := store.Identity()
	if identity == nil || identity.ID != "u_new" {
		t.Fatalf("expected provisioned identity, got %+v", identity)
	}
	if identity.Presence != chat.PresenceOffline {
		t.Fatalf("expected seeded presence offline, got %s", identity.Presence)
	}
}

func TestProvisioningConflictIsTreatedAsRead(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_race", "u_race")
	remote.insertProfileErr = remotestore.ErrConflict
	remote.profileAfterConflict = &remotestore.Profile{ID: "u_race", DisplayName: "Concurrent", Presence: chat.PresenceActive}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	if err := store.Login(context.Background(), "race@b.c", "pw"); err != nil {
		t.Fatalf("expected conflict to resolve as a read, got %v", err)
	}
	identity := store.Identity()
	if identity == nil || identity.DisplayName != "Concurrent" {
		t.Fatalf("expected the concurrently created profile, got %+v", identity)
	}
}

func TestLogoutClearsEverythingEvenWhenRemoteFails(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_out", "u_4")
	remote.profiles["u_4"] = &remotestore.Profile{ID: "u_4", Presence: chat.PresenceActive}
	remote.signOutErr = errors.New("connection reset")
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	store := New(remote, durable, Options{})

	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	err := store.Logout(context.Background())
	if err == nil {
		t.Fatalf("expected the remote failure to surface")
	}
	if remote.signOutCalls != 1 {
		t.Fatalf("expected one sign-out call, got %d", remote.signOutCalls)
	}
	if store.Session() != nil || store.Identity() != nil {
		t.Fatalf("expected local state cleared despite remote failure")
	}
	for _, key := range cache.AllKeys() {
		var raw json.RawMessage
		if durable.GetJSON(key, &raw) {
			t.Fatalf("expected durable key %s to be cleared on logout", key)
		}
	}
}

func TestUpdateStatusIsNoOpWithoutIdentity(t *testing.T) {
	remote := newFakeRemote()
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	if err := store.UpdateStatus(context.Background(), chat.Status{Text: "lunch"}); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if len(remote.updates) != 0 {
		t.Fatalf("expected no remote call without identity")
	}
}

func TestUpdateStatusRequiresRemoteAckBeforeLocalChange(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_st", "u_5")
	remote.profiles["u_5"] = &remotestore.Profile{ID: "u_5", Presence: chat.PresenceActive}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})
	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	remote.updateProfileErr = errors.New("write rejected")
	if err := store.UpdateStatus(context.Background(), chat.Status{Text: "brb"}); err == nil {
		t.Fatalf("expected remote failure to surface")
	}
	if got := store.Identity().Status.Text; got != "" {
		t.Fatalf("expected local status unchanged after rejected write, got %q", got)
	}

	remote.updateProfileErr = nil
	if err := store.UpdateStatus(context.Background(), chat.Status{Text: "brb"}); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	if got := store.Identity().Status.Text; got != "brb" {
		t.Fatalf("expected local status after ack, got %q", got)
	}
}

func TestUpdateWorkspaceWritesThroughToProfile(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_ws", "u_8")
	remote.profiles["u_8"] = &remotestore.Profile{ID: "u_8", Presence: chat.PresenceActive, WorkspaceID: "w_profile"}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})
	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := store.UpdateWorkspace(context.Background(), "w_other"); err != nil {
		t.Fatalf("workspace update failed: %v", err)
	}
	if got := store.Identity().WorkspaceID; got != "w_other" {
		t.Fatalf("expected identity workspace w_other, got %q", got)
	}
	if len(remote.updates) != 1 || remote.updates[0].WorkspaceID == nil || *remote.updates[0].WorkspaceID != "w_other" {
		t.Fatalf("expected one workspace write, got %+v", remote.updates)
	}

	// Re-asserting the current value must not hit the remote again.
	if err := store.UpdateWorkspace(context.Background(), "w_other"); err != nil {
		t.Fatalf("idempotent workspace update failed: %v", err)
	}
	if len(remote.updates) != 1 {
		t.Fatalf("expected no remote call for an unchanged workspace, got %d", len(remote.updates))
	}
}

func TestUpdateWorkspaceIsNoOpWithoutIdentity(t *testing.T) {
	remote := newFakeRemote()
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	if err := store.UpdateWorkspace(context.Background(), "w_any"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if len(remote.updates) != 0 {
		t.Fatalf("expected no remote call without identity")
	}
}

func TestUpdateWorkspaceRequiresRemoteAckBeforeLocalChange(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_ws2", "u_8b")
	remote.profiles["u_8b"] = &remotestore.Profile{ID: "u_8b", Presence: chat.PresenceActive, WorkspaceID: "w_old"}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})
	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	remote.updateProfileErr = errors.New("write rejected")
	if err := store.UpdateWorkspace(context.Background(), "w_new"); err == nil {
		t.Fatalf("expected remote failure to surface")
	}
	if got := store.Identity().WorkspaceID; got != "w_old" {
		t.Fatalf("expected workspace unchanged after rejected write, got %q", got)
	}
}

func TestUpdatePresenceRejectsUnknownValue(t *testing.T) {
	remote := newFakeRemote()
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})
	if err := store.UpdatePresence(context.Background(), "invisible"); err == nil {
		t.Fatalf("expected unknown presence to be rejected")
	}
}

func TestRemoteSessionDeleteClearsLocalState(t *testing.T) {
	remote := newFakeRemote()
	remote.session = testSession("at_live", "u_6")
	remote.profiles["u_6"] = &remotestore.Profile{ID: "u_6", Presence: chat.PresenceActive}
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if store.Session() == nil {
		t.Fatalf("expected live session after bootstrap")
	}

	stream := remote.sessionStream(t)
	stream.events <- remotestore.ChangeEvent{
		EventID:  "evt_kill",
		Kind:     remotestore.ChangeDelete,
		Resource: remotestore.SessionResource,
	}
	waitUntil(t, "session cleared after remote delete", func() bool {
		return store.Session() == nil && store.Identity() == nil
	})
	if flag, ok := durable.Bool(cache.KeyAuthenticated); ok && flag {
		t.Fatalf("expected durable flag cleared after remote invalidation")
	}
}

func TestReconnectResyncReAdoptsLiveSession(t *testing.T) {
	remote := newFakeRemote()
	remote.session = testSession("at_keep", "u_7")
	remote.profiles["u_7"] = &remotestore.Profile{ID: "u_7", DisplayName: "Kept", Presence: chat.PresenceActive}
	durable := cache.New(cache.NewInMemoryBackend(), nil)
	durable.SetBool(cache.KeyAuthenticated, true)

	store := New(remote, durable, Options{})
	defer store.Close()
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	remote.mu.Lock()
	remote.session = testSession("at_rotated", "u_7")
	remote.mu.Unlock()

	stream := remote.sessionStream(t)
	stream.events <- remotestore.ChangeEvent{
		EventID:  "evt_resync",
		Kind:     remotestore.ChangeResync,
		Resource: remotestore.SessionResource,
	}
	waitUntil(t, "rotated session adopted after resync", func() bool {
		sess := store.Session()
		return sess != nil && sess.AccessToken == "at_rotated"
	})
	if identity := store.Identity(); identity == nil || identity.DisplayName != "Kept" {
		t.Fatalf("expected identity retained across rotation, got %+v", identity)
	}
}

func TestObserversFireOnTransitions(t *testing.T) {
	remote := newFakeRemote()
	remote.signInSession = testSession("at_obs", "u_8")
	remote.profiles["u_8"] = &remotestore.Profile{ID: "u_8", Presence: chat.PresenceActive}
	store := New(remote, cache.New(cache.NewInMemoryBackend(), nil), Options{})

	var mu sync.Mutex
	fired := 0
	unsubscribe := store.Subscribe(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	if err := store.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	mu.Lock()
	afterLogin := fired
	mu.Unlock()
	if afterLogin == 0 {
		t.Fatalf("expected observers to fire during login")
	}

	unsubscribe()
	if err := store.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	mu.Lock()
	afterLogout := fired
	mu.Unlock()
	if afterLogout != afterLogin {
		t.Fatalf("expected no notifications after unsubscribe, got %d more", afterLogout-afterLogin)
	}
}
