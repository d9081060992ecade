package model

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrSessionDoesNotExist = errors.New("session does not exist")
	ErrLeadDoesNotExist    = errors.New("lead does not exist")
)

// ConversationSession identifies one conversation of one flow.
type ConversationSession struct {
	FlowID         string
	ConversationID string
}

// Lead holds the contact details captured by a lead-capture prompt.
type Lead struct {
	Name  string
	Email string
	Phone string
}

// NewConversationID generates a fresh conversation identifier, prefixed with
// the externally supplied customer identifier when one is configured.
func NewConversationID(customerID string) string {
	id := uuid.NewString()
	if customerID == "" {
		return id
	}
	return customerID + "+" + id
}
