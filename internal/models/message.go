package models

import (
	"slices"
	"time"
)

// Reaction is the aggregate for a single emoji on a message.
type Reaction struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// HasUser reports whether userID reacted with this emoji.
func (r Reaction) HasUser(userID string) bool {
	return slices.Contains(r.Users, userID)
}

// Message is one chat record. Messages are ordered by CreatedAt, with ID
// breaking ties.
type Message struct {
	ID        string              `json:"id"`
	AuthorID  string              `json:"author_id"`
	Content   string              `json:"content"`
	CreatedAt time.Time           `json:"created_at"`
	EditedAt  *time.Time          `json:"edited_at,omitempty"`
	Reactions map[string]Reaction `json:"reactions,omitempty"`
	Pinned    bool                `json:"pinned"`

	// Pending marks an optimistic record that has not been confirmed by
	// the backing service yet. Never serialised.
	Pending bool `json:"-"`
}

// Before reports whether m sorts before o.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}

	return m.ID < o.ID
}

// Compare is a three-way version of Before for slices.SortFunc.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}

	return 0
}

// Edited reports whether the message carries an edit timestamp.
func (m Message) Edited() bool {
	return m.EditedAt != nil && !m.EditedAt.IsZero()
}
