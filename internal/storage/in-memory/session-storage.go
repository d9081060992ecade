package in_memory

import (
	"context"

	"github.com/embedkit/chatsync/internal/model"
)

type sessionRecord struct {
	conversationID string
	history        []model.ChatMessage
}

// SessionStorage is the in-process mirror used by tests and by hosts that
// run without redis. Same layout as the key-value storage: a per-flow
// pointer to the current conversation plus one record per conversation.
type SessionStorage struct {
	currentConversations map[string]string
	sessions             map[string]*sessionRecord
	leads                map[string]model.Lead
}

func NewSessionStorage() *SessionStorage {
	return &SessionStorage{
		currentConversations: make(map[string]string),
		sessions:             make(map[string]*sessionRecord),
		leads:                make(map[string]model.Lead),
	}
}

func (s *SessionStorage) SaveSession(
	_ context.Context, session model.ConversationSession, history []model.ChatMessage,
) error {
	stored := make([]model.ChatMessage, len(history))
	copy(stored, history)
	s.sessions[sessionKey(session.FlowID, session.ConversationID)] = &sessionRecord{
		conversationID: session.ConversationID,
		history:        stored,
	}
	s.currentConversations[session.FlowID] = session.ConversationID
	return nil
}

func (s *SessionStorage) LoadCurrentSession(
	_ context.Context, flowID string,
) (model.ConversationSession, []model.ChatMessage, error) {
	conversationID, ok := s.currentConversations[flowID]
	if !ok {
		return model.ConversationSession{}, nil, model.ErrSessionDoesNotExist
	}
	record, ok := s.sessions[sessionKey(flowID, conversationID)]
	if !ok {
		return model.ConversationSession{}, nil, model.ErrSessionDoesNotExist
	}
	history := make([]model.ChatMessage, len(record.history))
	copy(history, record.history)
	session := model.ConversationSession{
		FlowID:         flowID,
		ConversationID: record.conversationID,
	}
	return session, history, nil
}

func (s *SessionStorage) DeleteSession(_ context.Context, session model.ConversationSession) error {
	delete(s.sessions, sessionKey(session.FlowID, session.ConversationID))
	delete(s.currentConversations, session.FlowID)
	return nil
}

func (s *SessionStorage) SaveLead(_ context.Context, flowID string, lead model.Lead) error {
	s.leads[flowID] = lead
	return nil
}

func (s *SessionStorage) GetLead(_ context.Context, flowID string) (model.Lead, error) {
	lead, ok := s.leads[flowID]
	if !ok {
		return model.Lead{}, model.ErrLeadDoesNotExist
	}
	return lead, nil
}

func sessionKey(flowID, conversationID string) string {
	return flowID + "_" + conversationID
}
