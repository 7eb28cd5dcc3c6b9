// ABOUTME: Core types, constants and error taxonomy for the parley state engine
// ABOUTME: Defines User, Conversation, Message, Friendship structs and shared errors

package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the actor lacks the role or ownership
// required for the action.
var ErrUnauthorized = errors.New("unauthorized")

// ErrConflict is returned when a state-machine precondition is violated:
// already friends, already revoked, duplicate membership, and so on.
var ErrConflict = errors.New("conflict")

// ErrQuotaExceeded is returned by ReserveFile when the upload would push the
// user past their effective storage quota. It matches ErrConflict.
var ErrQuotaExceeded = fmt.Errorf("%w: storage quota exceeded", ErrConflict)

// Conversation kinds.
const (
	KindPrivate = "private"
	KindGroup   = "group"
	KindSelf    = "self"
)

// Membership roles. The creator of a group is always treated as admin
// regardless of the stored role; see effectiveRole.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
	MessageTypeFile  = "file"
)

// Friendship statuses.
const (
	FriendStatusPending  = "pending"
	FriendStatusAccepted = "accepted"
)

// Tombstone replaces the content of a revoked message so the message keeps
// its position in the ledger.
const Tombstone = "message revoked"

// Display name fallbacks used by ListConversations.
const (
	SelfChatName      = "Saved Messages"
	GroupNameFallback = "Group chat"
)

// System setting keys.
const (
	SettingRegistrationEnabled = "registration_enabled"
	SettingMaxMessageLength    = "max_message_length"
	SettingSystemName          = "system_name"
	SettingAllowFriendRequests = "allow_friend_requests"
	SettingDefaultQuotaMB      = "default_storage_quota_mb"
	SettingDBVersion           = "db_version"
)

// PasswordHasher is the pluggable credential-hashing capability consumed by
// the identity store. See internal/auth for the argon2id implementation.
type PasswordHasher interface {
	// Hash derives an encoded hash from a plaintext password.
	Hash(password string) (string, error)
	// Verify reports whether the plaintext password matches the encoded hash.
	Verify(encoded, password string) (bool, error)
}

// User is an account record.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
	Banned    bool
}

// Conversation is a private, group or self chat.
type Conversation struct {
	ID           int64
	Name         string
	Kind         string
	AvatarURL    string
	Announcement string
	CreatedBy    *int64 // nil after creator deletion with no successor
	CreatedAt    time.Time
}

// Member is a conversation membership annotated with the user's name.
type Member struct {
	UserID   int64
	Username string
	Role     string
	JoinedAt time.Time
}

// ConversationView is a conversation as seen by one user: membership,
// computed display name and most recent message.
type ConversationView struct {
	Conversation
	DisplayName string
	Members     []Member
	LastMessage *Message
}

// Message is one row of the append-only message ledger.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderName     string
	Content        string
	Type           string
	MediaRef       string
	Revoked        bool
	EditedAt       *time.Time
	ForwardFrom    *int64
	Forwarded      *ForwardSource // resolved original, forwards only
	SentAt         time.Time
}

// ForwardSource is the resolved origin of a forwarded message.
type ForwardSource struct {
	Content    string
	SenderName string
	Type       string
}

// PinnedMessage is a pinned message with pin metadata.
type PinnedMessage struct {
	MessageID    int64
	Content      string
	Type         string
	MediaRef     string
	SentAt       time.Time
	PinnedBy     int64
	PinnedByName string
	PinnedAt     time.Time
}

// FavoriteMessage is a favorited message annotated with conversation context.
type FavoriteMessage struct {
	Message
	FavoritedAt      time.Time
	ConversationName string
	ConversationKind string
}

// FavoriteCursor marks a position in a user's favorites for keyset paging.
// The message id breaks ties between favorites stamped in the same
// millisecond.
type FavoriteCursor struct {
	FavoritedAt time.Time
	MessageID   int64
}

// FavoritesPage is one keyset page of a user's favorites.
type FavoritesPage struct {
	Items      []FavoriteMessage
	HasMore    bool
	NextBefore *FavoriteCursor
}

// Friend is the other party of an accepted friendship.
type Friend struct {
	UserID   int64
	Username string
}

// FriendRequest is a pending friendship as seen by one party. For incoming
// requests UserID is the initiator; for outgoing it is the addressee.
type FriendRequest struct {
	RequestID int64
	UserID    int64
	Username  string
	CreatedAt time.Time
}

// Relations reported by SearchUsers.
const (
	RelationNone       = "none"
	RelationSelf       = "self"
	RelationFriend     = "friend"
	RelationPendingIn  = "pending_in"
	RelationPendingOut = "pending_out"
)

// SearchResult is a user search hit annotated with the viewer's relation.
type SearchResult struct {
	UserID   int64
	Username string
	Relation string
	CanChat  bool
}

// Profile is the lazily-created per-user profile.
type Profile struct {
	UserID          int64
	Username        string
	AvatarEmoji     string
	AvatarURL       string
	Bio             string
	Theme           string
	FontSize        string
	QuotaOverrideMB *int64 // nil means the global default applies
	CreatedAt       time.Time
}

// ProfileUpdate carries optional profile field changes; nil fields are
// left untouched.
type ProfileUpdate struct {
	AvatarEmoji *string
	AvatarURL   *string
	Bio         *string
	Theme       *string
	FontSize    *string
}

// FileRecord is one row of the upload ledger.
type FileRecord struct {
	ID         int64
	UserID     int64
	Path       string
	Size       int64
	UploadedAt time.Time
}

// StorageInfo is a user's derived storage usage.
type StorageInfo struct {
	UsedBytes  int64
	QuotaBytes int64
	Percent    float64
}

// UserListing is the administrative per-user view with storage columns.
type UserListing struct {
	User
	QuotaOverrideMB *int64
	UsedBytes       int64
}

// GroupListing is the administrative per-group view.
type GroupListing struct {
	ID          int64
	Name        string
	CreatorName string
	CreatedAt   time.Time
	Members     []Member
}

// GroupSettings is a group as seen by one member, with their effective role.
type GroupSettings struct {
	Conversation
	Members []Member
	MyRole  string
}

// Stats are aggregate counters for the admin surface.
type Stats struct {
	Users          int64
	Groups         int64
	Messages       int64
	ActiveUsers24h int64
}
