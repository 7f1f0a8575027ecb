package chat

import (
	"database/sql"
	"time"
)

// SyncState is the mirror state of a message. It moves from Pending to
// Synced exactly once.
type SyncState int

const (
	Pending SyncState = iota
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Message is one locally stored chat message.
// Only SyncState and CommitHash ever change, and only together.
type Message struct {
	ID         int64
	Content    string
	Sender     string
	CreatedAt  time.Time
	SyncState  SyncState
	CommitHash sql.NullString
}

// IsSynced reports whether the message has a recorded commit.
func (m *Message) IsSynced() bool {
	return m.SyncState == Synced
}

// SyncPass is the persisted record of one coordinator run.
type SyncPass struct {
	ID         string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Attempted  int
	Succeeded  int
	Status     string // "running", "success" or "error"
	Error      string
}
