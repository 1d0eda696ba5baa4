// Package backend is the client for the backing service: row-level data
// operations, authentication, RPC, object storage and the realtime
// channel API. Components depend on the Conn and Realtime interfaces so
// tests can substitute the in-memory fake from backendtest.
package backend

import (
	"context"
	"encoding/json"
	"io"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Conn is one live connection handle to the backing service.
type Conn interface {
	// Ping is the minimal read used by health probes.
	Ping(ctx context.Context) error

	// ListMessages returns the most recent limit messages in ascending
	// order.
	ListMessages(ctx context.Context, limit int) ([]models.Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, m NewMessage) (*models.Message, error)
	// UpdateMessage and DeleteMessage filter by id and author. A filter
	// that matches no row fails with errors.ErrForbidden.
	UpdateMessage(ctx context.Context, id, authorID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id, authorID string) error
	SetPinned(ctx context.Context, id string, pinned bool) error
	CountMessages(ctx context.Context) (int, error)

	ToggleReaction(ctx context.Context, messageID, emoji string) error
	TouchLastActive(ctx context.Context) error

	// Session returns the session this handle authenticates with, or nil.
	Session(ctx context.Context) (*models.Credential, error)
	SetSession(cred *models.Credential)
	RefreshSession(ctx context.Context, refreshToken string) (*models.Credential, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (*models.User, error)

	Upload(ctx context.Context, path, contentType string, r io.Reader) error
	PublicURL(path string) string

	Realtime() Realtime

	// Close releases the handle's transport resources. The handle must
	// not be used afterwards.
	Close() error
}

// NewMessage is the insert payload for a message row. ID is generated by
// the client so the optimistic record and the authoritative echo share it.
type NewMessage struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// Realtime is the channel API of a connection handle.
type Realtime interface {
	// Join subscribes to topic. fn receives the channel's lifecycle and
	// data events in delivery order until Leave is called.
	Join(ctx context.Context, topic string, opts JoinOptions, fn func(ChannelEvent)) (RealtimeChannel, error)
	// SetAuth updates the access token used by the transport and pushes
	// it to every joined channel.
	SetAuth(token string)
	Connected() bool
	Reconnect(ctx context.Context) error
}

// RealtimeChannel is one joined topic.
type RealtimeChannel interface {
	Topic() string
	Broadcast(ctx context.Context, event string, payload any) error
	Leave(ctx context.Context) error
}

// JoinOptions configures which events a channel receives.
type JoinOptions struct {
	// Table enables row-change events for the table. Empty disables them.
	Table  string
	Schema string
	// BroadcastSelf echoes this socket's own broadcasts back to it.
	BroadcastSelf bool
}

// ChannelEventType tags a ChannelEvent.
type ChannelEventType int

const (
	EventJoined ChannelEventType = iota
	EventErrored
	EventTimedOut
	EventClosed
	EventInsert
	EventUpdate
	EventDelete
	EventBroadcast
)

func (t ChannelEventType) String() string {
	switch t {
	case EventJoined:
		return "joined"
	case EventErrored:
		return "errored"
	case EventTimedOut:
		return "timed_out"
	case EventClosed:
		return "closed"
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventBroadcast:
		return "broadcast"
	}

	return "unknown"
}

// ChannelEvent is a transport-level event delivered to a channel.
type ChannelEvent struct {
	Type ChannelEventType

	// Row changes.
	Table     string
	Record    json.RawMessage
	OldRecord json.RawMessage

	// Broadcasts.
	Name    string
	Payload json.RawMessage

	// Errored / TimedOut / Closed.
	Err error
}
