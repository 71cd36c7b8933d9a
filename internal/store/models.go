package store

import (
	"time"

	null "gopkg.in/guregu/null.v4"
)

// QueueRow mirrors the Queue relation of spec.md §3: identity plus the
// counters that define the hot window. Field names already match gorm's
// default NamingStrategy column mapping, so no struct tags are needed.
type QueueRow struct {
	ID             int64
	Name           string
	NextSerial     int64
	BlockStart     int64
	BlockEnd       int64
	BlockWrite     time.Time
	BlockSizeBytes int64
}

// SubscriberRow mirrors the Subscriber relation. ExternalID is the
// caller-facing handle (google/uuid for replay subscribers, per spec.md
// §9's "separate key spaces are cleaner" design note); ID remains the
// internal monotonic id.
type SubscriberRow struct {
	ID                  int64
	ExternalID          string
	Queue               int64
	ConfirmDelaySeconds int64
	LookAheadSerial     int64
	LastConfirmedSerial int64
	NextEmitSerial      int64
	LastEmitTimestamp   time.Time
}

// MessageRow mirrors the Message relation. RehydratedAt is non-null only
// for rows Queue.Load reinserted from a cold block; the sweep's
// reclamation delete reads this column directly (sweep.go's
// deleteUnreachable), rather than any in-process bookkeeping.
type MessageRow struct {
	Queue        int64
	Serial       int64
	Content      string
	RehydratedAt null.Time
}

// UnconfirmedRow mirrors the Unconfirmed relation.
type UnconfirmedRow struct {
	Subscriber  int64
	Queue       int64
	Serial      int64
	DeliverTime time.Time
}

// BlockRow mirrors the Block relation.
type BlockRow struct {
	Queue    int64
	Serial   int64
	Path     string
	LastUsed time.Time
}
