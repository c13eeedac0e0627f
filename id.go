package kestrel

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. Built-in note IDs use it so that notes
// sort by creation time and survive persistence round-trips unchanged.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds, the timestamp format
// stored in todo items, notes, and sqlite records.
func NowUnix() int64 {
	return time.Now().Unix()
}
