package store

import "context"

const (
	TableApplications = "applications"
	TableMessages     = "messages"
	TableJobs         = "jobs"
	TableCandidates   = "candidates"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpResync tells subscribers that events may have been missed.
	OpResync Op = "resync"
)

// ChangeEvent describes a committed row change. Delivery is at least once.
type ChangeEvent struct {
	Table         string `json:"table" mapstructure:"table"`
	Op            Op     `json:"op" mapstructure:"op"`
	ID            string `json:"id" mapstructure:"id"`
	RecipientID   string `json:"recipient_id,omitempty" mapstructure:"recipient_id"`
	ApplicationID string `json:"application_id,omitempty" mapstructure:"application_id"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Table       string
	RecipientID string
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev ChangeEvent) bool {
	if ev.Op == OpResync {
		return true
	}
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.RecipientID != "" && f.RecipientID != ev.RecipientID {
		return false
	}
	return true
}

// Feed delivers change events to subscribers.
type Feed interface {
	// Subscribe returns a channel of matching events. The channel is closed
	// after cancel is called or ctx is done.
	Subscribe(ctx context.Context, filter Filter) (<-chan ChangeEvent, func(), error)
}
