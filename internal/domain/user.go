// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is one presence record: a display name pinned to a coordinate.
type User struct {
	ID       UserID     `json:"-"`
	Username string     `json:"name"`
	Location Coordinate `json:"location"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// The ID stays empty until the record is stored.
func NewUser(username string, at Coordinate) (*User, error) {
	name, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	if err := at.Validate(); err != nil {
		return nil, err
	}
	return &User{Username: name, Location: at}, nil
}

// ValidateUsername trims the name and checks its bounds.
func ValidateUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if len(name) == 0 {
		return "", ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
