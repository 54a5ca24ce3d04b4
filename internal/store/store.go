// ABOUTME: Store interface and data types for halcyon message persistence
// ABOUTME: Defines Message, Conversation, Group, Friendship structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when inserting a message whose ID already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrInvalidTransition is returned when a status update violates the message
// status lattice (sending → sent → delivered → read; failed only from sending;
// recalled from sent/delivered/read)
var ErrInvalidTransition = errors.New("invalid status transition")

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusRecalled  MessageStatus = "recalled"
)

// statusRank orders the forward lattice. failed and recalled sit outside it.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	switch to {
	case StatusFailed:
		return from == StatusSending
	case StatusRecalled:
		return from == StatusSent || from == StatusDelivered || from == StatusRead
	case StatusSending:
		// retry of a failed message re-enters the pipeline
		return from == StatusFailed
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	return ok1 && ok2 && tr > fr
}

// MessageType identifies the shape of a message's content payload
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeImage     MessageType = "image"
	TypeAudio     MessageType = "audio"
	TypeVideo     MessageType = "video"
	TypeFile      MessageType = "file"
	TypeLocation  MessageType = "location"
	TypeCard      MessageType = "card"
	TypeMusic     MessageType = "music"
	TypeDocument  MessageType = "document"
	TypeCode      MessageType = "code"
	TypePPT       MessageType = "ppt"
	TypeCharacter MessageType = "character"
	TypeModel3D   MessageType = "model3d"
	TypeSystem    MessageType = "system"
	TypeCustom    MessageType = "custom"
)

// Message is the atomic unit of the messaging core. Exactly one of
// RecipientID or GroupID is non-empty for non-system messages. Seq is only
// meaningful once the message has reached status sent.
type Message struct {
	ID              string
	ClientSeq       *int64 // client-chosen dedupe key, nil when absent
	Seq             int64
	Type            MessageType
	Content         []byte // JSON, tagged union matching Type
	SenderID        string
	RecipientID     string
	GroupID         string
	ReplyToID       string
	ForwardFromID   string
	Status          MessageStatus
	RetryCount      int
	NeedReadReceipt bool
	RecalledAt      *time.Time
	EditedAt        *time.Time
	CreatedAt       time.Time
	Extra           map[string]string
}

// ConversationKey returns the peer id and kind of the conversation this
// message belongs to, from the sender's point of view.
func (m *Message) ConversationKey() (peerID string, kind ConversationKind) {
	if m.GroupID != "" {
		return m.GroupID, KindGroup
	}
	return m.RecipientID, KindSingle
}

// ConversationKind distinguishes single chats, group chats and agent chats
type ConversationKind string

const (
	KindSingle ConversationKind = "single"
	KindGroup  ConversationKind = "group"
	KindAgent  ConversationKind = "agent"
)

// Conversation is a per-owner projection of a message stream with one peer.
// It is a derived cache: the messages table is the source of truth.
type Conversation struct {
	ID                 string
	OwnerUserID        string
	PeerID             string
	Kind               ConversationKind
	LastMessageID      string
	LastMessageSnippet string
	LastMessageAt      time.Time
	UnreadCount        int64
	IsPinned           bool
	IsMuted            bool
	Draft              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Group holds group chat metadata
type Group struct {
	ID          string
	OwnerUID    string
	Name        string
	Notice      string
	MemberCount int
	MaxMembers  int
	AllMuted    bool
	CreatedAt   time.Time
}

// MemberRole is a group member's role
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// MemberStatus is a group member's membership state
type MemberStatus string

const (
	MemberJoined  MemberStatus = "joined"
	MemberLeft    MemberStatus = "left"
	MemberKicked  MemberStatus = "kicked"
	MemberPending MemberStatus = "pending"
)

// GroupMember is one user's membership row in a group
type GroupMember struct {
	GroupID   string
	UserID    string
	Role      MemberRole
	Status    MemberStatus
	JoinedAt  time.Time
	MuteUntil *time.Time
}

// FriendshipStatus is the state of a directed friendship edge
type FriendshipStatus string

const (
	FriendRequested FriendshipStatus = "requested"
	FriendAccepted  FriendshipStatus = "accepted"
	FriendBlocked   FriendshipStatus = "blocked"
	FriendRemoved   FriendshipStatus = "removed"
)

// Friendship is a directed edge (UserID → TargetID). Blocking is asymmetric.
type Friendship struct {
	UserID    string
	TargetID  string
	Status    FriendshipStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryDirection selects which side of the cursor a history page covers
type HistoryDirection string

const (
	DirectionBefore HistoryDirection = "before"
	DirectionAfter  HistoryDirection = "after"
)

// HistoryParams specifies a cursor-paginated history query for one
// conversation as seen by User.
type HistoryParams struct {
	UserID    string
	PeerID    string
	Kind      ConversationKind
	Limit     int // 1-100, defaults to 50
	Cursor    string
	Direction HistoryDirection // defaults to before (newest first)
}

// HistoryResult is one page of history
type HistoryResult struct {
	Messages   []*Message
	NextCursor string // empty when no more pages exist
	HasMore    bool
}

// SearchParams scopes a keyword search to the caller's participation set
type SearchParams struct {
	UserID  string
	Keyword string
	GroupID string // optional: restrict to one group (caller must be joined)
	Limit   int
	Offset  int
	UseFTS  bool
}

// SearchResult carries matched messages and the total match count
type SearchResult struct {
	Messages []*Message
	Total    int64
}

// StatsParams selects the window for per-user message statistics
type StatsParams struct {
	UserID string
	From   time.Time
	To     time.Time
}

// Stats aggregates per-user message counts over a time range
type Stats struct {
	Sent     int64
	Received int64
	ByType   map[MessageType]int64
}

// MessageTx is the transactional view the ingest pipeline writes through.
// Inserts issued through it become visible only on commit.
type MessageTx interface {
	InsertMessage(ctx context.Context, msg *Message) error
}

// Store defines the interface for message, conversation and social-graph
// persistence.
type Store interface {
	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	WithTx(ctx context.Context, fn func(tx MessageTx) error) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// UpdateMessageStatus applies a compare-and-set transition and reports
	// whether the row changed. Illegal target states for the current status
	// leave the row untouched.
	UpdateMessageStatus(ctx context.Context, id string, to MessageStatus) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) error
	MarkRecalled(ctx context.Context, id string, at time.Time) (bool, error)
	FindByClientSeq(ctx context.Context, senderID string, clientSeq int64) (*Message, error)
	ListBySender(ctx context.Context, senderID string, limit, offset int) ([]*Message, error)
	ListByRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*Message, error)
	ListByGroup(ctx context.Context, groupID string, limit, offset int) ([]*Message, error)
	ListByStatus(ctx context.Context, status MessageStatus, olderThan time.Time, limit int) ([]*Message, error)
	History(ctx context.Context, p HistoryParams) (*HistoryResult, error)
	Search(ctx context.Context, p SearchParams) (*SearchResult, error)
	MessageStats(ctx context.Context, p StatsParams) (*Stats, error)

	// Conversations
	UpsertConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, owner, peer string, kind ConversationKind) (*Conversation, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]*Conversation, error)
	AddUnread(ctx context.Context, owner, peer string, kind ConversationKind, delta int64) error
	ResetUnread(ctx context.Context, owner, peer string, kind ConversationKind) error
	SetPinned(ctx context.Context, owner, peer string, kind ConversationKind, pinned bool) error
	SetMuted(ctx context.Context, owner, peer string, kind ConversationKind, muted bool) error
	SetDraft(ctx context.Context, owner, peer string, kind ConversationKind, draft string) error
	UpdateSnippetIfLast(ctx context.Context, messageID, snippet string) (int64, error)
	RepairConversationHeads(ctx context.Context) (int64, error)

	// Groups and membership
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	AddMember(ctx context.Context, m *GroupMember) error
	GetMember(ctx context.Context, groupID, userID string) (*GroupMember, error)
	ListJoinedMemberIDs(ctx context.Context, groupID string) ([]string, error)
	SetMemberStatus(ctx context.Context, groupID, userID string, status MemberStatus) error
	SetMemberMuteUntil(ctx context.Context, groupID, userID string, until *time.Time) error

	// Friendship edges
	UpsertFriendship(ctx context.Context, f *Friendship) error
	GetFriendship(ctx context.Context, userID, targetID string) (*Friendship, error)
	ListBlockedBy(ctx context.Context, userID string, targets []string) (map[string]bool, error)

	// Close releases any resources held by the store
	Close() error
}
