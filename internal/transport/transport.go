// Package transport describes the connection sessions the maintenance
// daemon reconciles, and provides a websocket hub that serves them.
package transport

import "time"

// Session is one client connection.
type Session interface {
	ID() string
	RemoteAddr() string
	LastSeen() time.Time
}

// Liveness lets the daemon find and hang up inactive sessions. The transport
// decides what inactive means.
type Liveness interface {
	Sessions() []Session
	IsActive(s Session) bool
	Hangup(s Session) error
}
