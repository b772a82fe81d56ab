// ABOUTME: Store interface and data types for the session ledger
// ABOUTME: Defines Session and Outcome and the operations the gateway records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("not found")

// Frontend names for sessions
const (
	FrontendTCP       = "tcp"
	FrontendWebSocket = "websocket"
)

// Outcome classifies one forwarded request
type Outcome string

const (
	OutcomeReply   Outcome = "reply"   // device answered inside the reply window
	OutcomeSilent  Outcome = "silent"  // device said nothing
	OutcomeFailure Outcome = "failure" // device write or read failed
)

// Session is one period of exclusive device use
type Session struct {
	ID          string
	Frontend    string
	RemoteAddr  string
	StartedAt   time.Time
	EndedAt     *time.Time
	Requests    int
	Replies     int
	Silent      int
	Failures    int
	CloseReason string
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Store records sessions for the life of the process
type Store interface {
	// OpenSession records a newly admitted session. ID and StartedAt must be set.
	OpenSession(ctx context.Context, s *Session) error

	// RecordExchange counts one forwarded request against the session.
	RecordExchange(ctx context.Context, sessionID string, outcome Outcome) error

	// CloseSession stamps the end time and reason. Closing twice is an error.
	CloseSession(ctx context.Context, sessionID string, reason string) error

	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	Close() error
}
