package models

import (
	"time"
)

// Account represents a festival-scoped cashless balance. All amounts are kept
// in minor currency units (cents). There is exactly one account per
// (user_id, festival_id) pair.
type Account struct {
	ID         string    `json:"account_id" db:"account_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	FestivalID string    `json:"festival_id" db:"festival_id"`
	Balance    int64     `json:"balance" db:"balance"`
	TagID      string    `json:"tag_id,omitempty" db:"tag_id"` // active NFC tag, at most one
	IsActive   bool      `json:"is_active" db:"is_active"`
	Version    int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// AccountStatus values for response payloads
const (
	AccountStatusActive   = "ACTIVE"
	AccountStatusInactive = "INACTIVE"
)

// User represents a platform user (attendee, vendor staff or festival staff).
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	FirstName    string     `json:"first_name" db:"first_name"`
	LastName     string     `json:"last_name" db:"last_name"`
	PhoneNumber  string     `json:"phone_number" db:"phone_number"`
	Role         string     `json:"role" db:"role"` // attendee | vendor | staff
	PasswordHash string     `json:"-" db:"password_hash"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// User roles
const (
	RoleAttendee = "attendee"
	RoleVendor   = "vendor"
	RoleStaff    = "staff"
)
