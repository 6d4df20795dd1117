// Package remotestore is the boundary to the hosted backend: a JSON HTTP
// API for snapshots and mutations plus a websocket push stream of change
// notifications. Nothing outside this package knows the wire protocol.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/chat"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// HTTPError carries a non-2xx response from the remote store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Session is the live authentication grant issued by the remote store.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Profile is the remote record backing a chat.Identity.
type Profile struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	DisplayName string        `json:"displayName"`
	AvatarURL   string        `json:"avatarUrl,omitempty"`
	Status      chat.Status   `json:"status"`
	Presence    chat.Presence `json:"presence"`
	Timezone    string        `json:"timezone,omitempty"`
	Role        string        `json:"role,omitempty"`
	WorkspaceID string        `json:"workspaceId,omitempty"`
}

// ProfileUpdate names the mutable profile fields. Nil fields are left
// untouched by UpdateProfile.
type ProfileUpdate struct {
	Status      *chat.Status   `json:"status,omitempty"`
	Presence    *chat.Presence `json:"presence,omitempty"`
	WorkspaceID *string        `json:"workspaceId,omitempty"`
}

// SignUpAttributes are the extra fields supplied at account creation.
type SignUpAttributes struct {
	DisplayName string `json:"displayName"`
	Timezone    string `json:"timezone,omitempty"`
}

// Client is the full operation set this core consumes from the remote
// store. GetSession and RefreshSession return (nil, nil) when the store
// reports no live session; FetchProfile returns ErrNotFound for a missing
// record and InsertProfile returns ErrConflict when the record already
// exists, both usable with errors.Is.
type Client interface {
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, attrs SignUpAttributes) (*Session, error)
	SignOut(ctx context.Context) error

	FetchProfile(ctx context.Context, id string) (*Profile, error)
	InsertProfile(ctx context.Context, profile Profile) error
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) error

	// FetchMessages returns the channel's full snapshot ordered ascending
	// by creation timestamp.
	FetchMessages(ctx context.Context, channelID string) ([]chat.Message, error)
	InsertMessage(ctx context.Context, msg chat.Message) error

	// SubscribeChanges opens a push subscription for one resource. The
	// stream stays open until Close or ctx cancellation and reconnects on
	// its own; it never silently stops delivering while alive.
	SubscribeChanges(ctx context.Context, resource string, kinds []ChangeKind) (Stream, error)
}

// ChangeKind tags a change notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"

	// ChangeResync is synthesized locally after a transport reconnect to
	// tell the consumer that events may have been missed and the snapshot
	// must be fetched again before trusting the stream.
	ChangeResync ChangeKind = "resync"
)

// ChangeEvent is one tagged notification from a change stream. Row holds
// the raw record payload; the consumer decodes it for its resource type.
type ChangeEvent struct {
	EventID  string
	Kind     ChangeKind
	Resource string
	Row      []byte
}

// Stream is an open change subscription. Events is closed only when the
// stream is shut down; Err reports the terminal error, if any, after that.
type Stream interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// SessionResource is the reserved resource name for session-change
// notifications; its rows decode into Session.
const SessionResource = "session"

// ChannelResource names the change-feed resource for one channel.
func ChannelResource(channelID string) string {
	return "channel:" + channelID
}
