// Package auth is the session surface the hub consumes. The identity
// backend (account database, cookie format) lives outside this service;
// the hub only needs to resolve an upgrade request into a session and
// read its role.
package auth

import "net/http"

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// Session is one authenticated operator.
type Session struct {
	Username string
	Nickname string
	Role     string
}

// DisplayName prefers the nickname and falls back to the username.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.Nickname != "" {
		return s.Nickname
	}
	return s.Username
}

// Manager resolves sessions during the websocket upgrade. A nil result
// means anonymous: the connection still works, but command operations
// are rejected.
type Manager interface {
	// SessionByID resolves an explicit session id passed in the URL.
	SessionByID(sid string) *Session
	// SessionFromHeaders resolves a session from the request headers
	// (typically a cookie).
	SessionFromHeaders(h http.Header) *Session
}

// Guest is the no-backend manager: every connection is anonymous.
type Guest struct{}

func (Guest) SessionByID(string) *Session { return nil }
func (Guest) SessionFromHeaders(http.Header) *Session { return nil }
