package domain

import (
	"fmt"
	"time"
)

type ConnectionState int

const (
	ConnectionState_Disconnected ConnectionState = iota
	ConnectionState_Connecting
	ConnectionState_Connected
	ConnectionState_Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Disconnected:
		return "Disconnected"
	case ConnectionState_Connecting:
		return "Connecting"
	case ConnectionState_Connected:
		return "Connected"
	case ConnectionState_Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

type ConnectionEventKind string

const (
	ConnectionEvent_Connected          ConnectionEventKind = "Connected"
	ConnectionEvent_Disconnected       ConnectionEventKind = "Disconnected"
	ConnectionEvent_Reconnecting       ConnectionEventKind = "Reconnecting"
	ConnectionEvent_Reconnected        ConnectionEventKind = "Reconnected"
	ConnectionEvent_ReconnectFailed    ConnectionEventKind = "ReconnectFailed"
	ConnectionEvent_ReconnectExhausted ConnectionEventKind = "ReconnectExhausted"
)

// ConnectionEvent is one lifecycle transition. Attempt is set for
// Reconnecting and ReconnectFailed, Reason for Disconnected, Err for
// ReconnectFailed.
type ConnectionEvent struct {
	Kind    ConnectionEventKind
	Attempt int
	Reason  string
	Err     error
	Time    time.Time
}

func (e ConnectionEvent) String() string {
	switch e.Kind {
	case ConnectionEvent_Disconnected:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	case ConnectionEvent_Reconnecting:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Attempt)
	case ConnectionEvent_ReconnectFailed:
		return fmt.Sprintf("%s(%d, %v)", e.Kind, e.Attempt, e.Err)
	default:
		return string(e.Kind)
	}
}

type IntegrityReason string

const (
	IntegrityReason_ChecksumMismatch IntegrityReason = "checksum_mismatch"
	IntegrityReason_CrossedBook      IntegrityReason = "crossed_book"
)

// IntegrityEvent reports a book that failed validation. Resync is true when
// a fresh snapshot was requested automatically.
type IntegrityEvent struct {
	Symbol     string
	Reason     IntegrityReason
	Validation *ChecksumValidation
	Resync     bool
	Time       time.Time
}
