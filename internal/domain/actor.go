package domain

import (
	"fmt"
	"strings"

	"github.com/spigell/cv-matcher/internal/apperr"
)

// Role is what an actor is allowed to do.
type Role string

const (
	RoleApplicant Role = "applicant"
	RoleEmployer  Role = "employer"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Actor is the user (or process) performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for automated transitions.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// ParseRole converts user input into a Role.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	switch role {
	case RoleApplicant, RoleEmployer, RoleAdmin, RoleSystem:
		return role, nil
	}
	return "", apperr.E("domain.ParseRole", apperr.ErrInvalidInput, fmt.Errorf("unknown role %q", s))
}

// Privileged reports whether the actor bypasses ownership checks.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}
