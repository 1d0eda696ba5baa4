package channel

import (
	"encoding/json"

	"github.com/alexjbarnes/chatsync/internal/backend"
)

// Event is one of RowInserted, RowUpdated, RowDeleted or
// BroadcastReceived.
type Event interface {
	isEvent()
}

// RowInserted carries the inserted row.
type RowInserted struct {
	Table  string
	Record json.RawMessage
}

// RowUpdated carries the row after the update.
type RowUpdated struct {
	Table     string
	Record    json.RawMessage
	OldRecord json.RawMessage
}

// RowDeleted carries the deleted row's key columns.
type RowDeleted struct {
	Table     string
	OldRecord json.RawMessage
}

// BroadcastReceived is a same-origin broadcast.
type BroadcastReceived struct {
	Name    string
	Payload json.RawMessage
}

func (RowInserted) isEvent()       {}
func (RowUpdated) isEvent()        {}
func (RowDeleted) isEvent()        {}
func (BroadcastReceived) isEvent() {}

// Handler receives a subscription's data events in delivery order.
type Handler func(Event)

// toEvent converts a transport data event. Lifecycle events return nil.
func toEvent(ev backend.ChannelEvent) Event {
	switch ev.Type {
	case backend.EventInsert:
		return RowInserted{Table: ev.Table, Record: ev.Record}
	case backend.EventUpdate:
		return RowUpdated{Table: ev.Table, Record: ev.Record, OldRecord: ev.OldRecord}
	case backend.EventDelete:
		return RowDeleted{Table: ev.Table, OldRecord: ev.OldRecord}
	case backend.EventBroadcast:
		return BroadcastReceived{Name: ev.Name, Payload: ev.Payload}
	}

	return nil
}
