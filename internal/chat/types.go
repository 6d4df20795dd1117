// Package chat defines the domain types shared by the state
// synchronization components: the authenticated identity, the active
// workspace, and the per-channel message feed.
package chat

import (
	"strings"
	"time"
)

// Presence is the coarse availability state of an identity.
type Presence string

const (
	PresenceActive  Presence = "active"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
	PresenceDND     Presence = "dnd"
)

// ValidPresence reports whether p is one of the recognized presence values.
func ValidPresence(p Presence) bool {
	switch p {
	case PresenceActive, PresenceAway, PresenceOffline, PresenceDND:
		return true
	}
	return false
}

// Status is the free-text status an identity advertises to the workspace.
type Status struct {
	Text      string     `json:"text,omitempty"`
	Emoji     string     `json:"emoji,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Identity is the authenticated user's profile as held client-side.
// It exists only while a session exists.
type Identity struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Status      Status   `json:"status"`
	Presence    Presence `json:"presence"`
	Timezone    string   `json:"timezone,omitempty"`
	Role        string   `json:"role,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
}

// Workspace is a named collaboration space. Exactly one is active at a
// time; the active choice is a persisted client preference, not a server
// concept.
type Workspace struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// Message is one unit of a channel feed. CreatedAt is immutable and never
// changes the message's position once set; Content and EditedAt may change.
type Message struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channelId"`
	AuthorID        string     `json:"authorId"`
	Content         string     `json:"content"`
	ParentID        string     `json:"parentId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
	EditedAt        *time.Time `json:"editedAt,omitempty"`
	Pinned          bool       `json:"pinned,omitempty"`
	AuthorName      string     `json:"authorName,omitempty"`
	AuthorAvatarURL string     `json:"authorAvatarUrl,omitempty"`
}

// MessageBefore is the total feed order: ascending creation timestamp with
// ties broken by ID so the ordering is stable across merges.
func MessageBefore(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return strings.Compare(a.ID, b.ID) < 0
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
