// Package domain contains core domain types for the hand-off desk.
package domain

import (
	"fmt"
	"time"
)

// Role is the authorization level of a participant.
type Role string

const (
	// RoleUser is a regular chat user served by the assistant.
	RoleUser Role = "user"
	// RoleAdmin is a human operator who can claim queued users.
	RoleAdmin Role = "admin"
)

// ParseRole converts a stored or user-supplied value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// IsOperator reports whether the role may claim queued users.
func (r Role) IsOperator() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleUser:
		return false
	default:
		return false
	}
}

// Participant is anyone talking to the desk, user or operator.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Label returns the name shown to the other side of a dialog.
func (p *Participant) Label() string {
	return Label(p.ID, p.DisplayName)
}

// Label formats a participant for display when only the raw fields are known.
func Label(id, displayName string) string {
	if displayName != "" {
		return displayName
	}
	return "User " + id
}
