package domain

import "time"

// Message is a note between two users, optionally tied to an application.
// Only the recipient may flip IsRead, and only from false to true.
type Message struct {
	ID            string     `json:"id"`
	SenderID      string     `json:"sender_id"`
	RecipientID   string     `json:"recipient_id"`
	ApplicationID *string    `json:"application_id,omitempty"`
	Content       string     `json:"content"`
	IsRead        bool       `json:"is_read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ApplicationID != nil {
		id := *m.ApplicationID
		out.ApplicationID = &id
	}
	if m.ReadAt != nil {
		at := *m.ReadAt
		out.ReadAt = &at
	}
	return &out
}

// UnreadSnapshot is the unread aggregate of one recipient.
// Unread messages with no application count toward Total only.
type UnreadSnapshot struct {
	RecipientID   string         `json:"recipient_id"`
	Total         int            `json:"total"`
	ByApplication map[string]int `json:"by_application"`
}

// Clone returns a deep copy.
func (s UnreadSnapshot) Clone() UnreadSnapshot {
	out := s
	out.ByApplication = make(map[string]int, len(s.ByApplication))
	for k, v := range s.ByApplication {
		out.ByApplication[k] = v
	}
	return out
}
