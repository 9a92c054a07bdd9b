package domain

import "time"

// Role enumerates dashboard access levels.
const (
	RoleAdmin     = "admin"
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// User is a dashboard account. Every user owns a personal Owner
// namespace created at registration.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Name         string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Owner is a project namespace. Personal owners share the user's
// username; group owners may exist with additional members.
type Owner struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Session is an opaque dashboard session.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
