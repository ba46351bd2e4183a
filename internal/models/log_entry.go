package models

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a job log line.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
	LogLevelSuccess LogLevel = "success"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelSuccess:
		return true
	}
	return false
}

// LogEntry is one append-only line of job output. Sequence and Timestamp are
// assigned by the store: sequences start at 1 without gaps and timestamps are
// strictly increasing within a job.
type LogEntry struct {
	JobID          uuid.UUID
	OrganizationID uuid.UUID
	Sequence       int64
	Timestamp      time.Time
	Level          LogLevel
	Message        string
}
