package engine

import (
	"time"

	"github.com/warbler-im/warbler/internal/wire"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Kind distinguishes one-to-one conversations from rooms.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Message is one cached conversation message. For group messages From keeps
// the full room/nickname address; for direct messages it is the sender's bare
// address.
type Message struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time
	Kind      Kind
	ThreadID  string
	ReplyTo   *ReplyRef
	ArchiveID *ArchiveRef
	OriginID  string
	Embeds    []string
}

// ReplyRef references the message this one replies to.
type ReplyRef struct {
	ID string
	To string
}

// ArchiveRef is the server-assigned archive id of a message.
type ArchiveRef struct {
	ID string
	By string
}

// SendOptions shape an outgoing message.
type SendOptions struct {
	Kind     Kind
	ThreadID string
	ReplyTo  *ReplyRef
}

// RosterEntry is one contact.
type RosterEntry struct {
	JID          string
	Name         string
	Subscription string
	Groups       []string
}

// RoomInfo describes one discoverable room.
type RoomInfo struct {
	JID  string
	Name string
}

// ProfileRecord is a fetched profile.
type ProfileRecord struct {
	JID         string
	FullName    string
	Description string
	PhotoType   string
	PhotoData   []byte
	PhotoURL    string
	Raw         *wire.VCard
	FetchedAt   time.Time
}

// ProfileSetRequest updates the user's own profile. Inline photo bytes with
// an explicit media type take precedence over an external reference URL.
type ProfileSetRequest struct {
	FullName    string
	Description string
	PhotoData   []byte
	PhotoType   string
	PhotoURL    string
}

// ConnectionEvent is published on the connection lifecycle channels.
type ConnectionEvent struct {
	JID    string
	Reason string
}

// ReceiptEvent is published when a delivery receipt arrives.
type ReceiptEvent struct {
	MessageID string
	From      string
}

// RosterEvent carries a full roster snapshot.
type RosterEvent struct {
	Entries []RosterEntry
}

// RoomEvent is published when room membership changes.
type RoomEvent struct {
	Room     string
	Nickname string
}
