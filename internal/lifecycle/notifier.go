package lifecycle

import (
	"context"
	"fmt"

	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/store"
)

type EventKind string

const (
	EventSubmitted     EventKind = "submitted"
	EventStatusChanged EventKind = "status_changed"
)

// Event is dispatched once per committed change.
type Event struct {
	Kind        EventKind
	Application *domain.Application
	From        domain.Status
	To          domain.Status
	Actor       domain.Actor
	RecipientID string
	SenderID    string
	JobTitle    string
}

// Notifier delivers lifecycle events to the other party.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// MessageNotifier turns events into messages addressed to the recipient.
type MessageNotifier struct {
	messages  store.Messages
	onCreated func(ctx context.Context, msg *domain.Message)
}

// NewMessageNotifier stores messages in messages. onCreated, when set, is
// called with every stored message.
func NewMessageNotifier(messages store.Messages, onCreated func(ctx context.Context, msg *domain.Message)) *MessageNotifier {
	return &MessageNotifier{messages: messages, onCreated: onCreated}
}

func (n *MessageNotifier) Notify(ctx context.Context, ev Event) error {
	appID := ev.Application.ID
	msg := &domain.Message{
		SenderID:      ev.SenderID,
		RecipientID:   ev.RecipientID,
		ApplicationID: &appID,
		Content:       Describe(ev),
	}
	if err := n.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	if n.onCreated != nil {
		n.onCreated(ctx, msg)
	}
	return nil
}

// Describe renders the message text for ev.
func Describe(ev Event) string {
	title := ev.JobTitle
	if title == "" {
		title = ev.Application.JobID
	}
	switch ev.Kind {
	case EventSubmitted:
		return fmt.Sprintf("New application for %q.", title)
	case EventStatusChanged:
		switch ev.To {
		case domain.StatusHired:
			return fmt.Sprintf("Congratulations! Your application for %q was accepted.", title)
		case domain.StatusRejected:
			return fmt.Sprintf("Your application for %q was not selected.", title)
		default:
			return fmt.Sprintf("Your application for %q moved to %s.", title, ev.To)
		}
	}
	return fmt.Sprintf("Your application for %q was updated.", title)
}
