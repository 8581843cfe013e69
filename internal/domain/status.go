package domain

import (
	"fmt"
	"strings"

	"github.com/spigell/cv-matcher/internal/apperr"
)

// Status is the lifecycle state of an application.
type Status string

const (
	StatusNew         Status = "new"
	StatusShortlisted Status = "shortlisted"
	StatusInterviewed Status = "interviewed"
	StatusRejected    Status = "rejected"
	StatusHired       Status = "hired"
)

// transitions lists the only legal moves. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusNew:         {StatusShortlisted, StatusRejected},
	StatusShortlisted: {StatusInterviewed, StatusRejected},
	StatusInterviewed: {StatusHired, StatusRejected},
}

// Statuses returns every known status in workflow order.
func Statuses() []Status {
	return []Status{StatusNew, StatusShortlisted, StatusInterviewed, StatusRejected, StatusHired}
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", apperr.E("domain.ParseStatus", apperr.ErrInvalidInput, fmt.Errorf("unknown status %q", s))
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusShortlisted, StatusInterviewed, StatusRejected, StatusHired:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusHired || s == StatusRejected
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
