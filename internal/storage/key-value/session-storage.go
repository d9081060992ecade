package key_value

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/embedkit/chatsync/internal/model"
	"github.com/redis/go-redis/v9"
)

type fileUploadInternal struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
}

type messageInternal struct {
	MessageID       string                     `json:"message_id,omitempty"`
	Role            model.Role                 `json:"role"`
	Text            string                     `json:"text"`
	SourceDocuments json.RawMessage            `json:"source_documents,omitempty"`
	UsedTools       json.RawMessage            `json:"used_tools,omitempty"`
	FileAnnotations json.RawMessage            `json:"file_annotations,omitempty"`
	AgentReasoning  []model.AgentReasoningStep `json:"agent_reasoning,omitempty"`
	Action          *model.MessageAction       `json:"action,omitempty"`
	Artifacts       []model.FileUpload         `json:"artifacts,omitempty"`
	Rating          string                     `json:"rating,omitempty"`
	FileUploads     []fileUploadInternal       `json:"file_uploads,omitempty"`
}

type sessionInternal struct {
	ConversationID string            `json:"conversation_id"`
	ChatHistory    []messageInternal `json:"chat_history"`
}

// SessionStorage mirrors one conversation log per flow into redis. Layout:
// a per-flow pointer key holds the current conversation identifier, a record
// key per (flow, conversation) holds the sanitized log.
type SessionStorage struct {
	rdb *redis.Client
}

func NewSessionStorage(rdb *redis.Client) *SessionStorage {
	return &SessionStorage{
		rdb: rdb,
	}
}

func (s *SessionStorage) SaveSession(
	ctx context.Context, session model.ConversationSession, history []model.ChatMessage,
) error {
	sessionInt := sessionInternal{
		ConversationID: session.ConversationID,
		ChatHistory:    make([]messageInternal, 0, len(history)),
	}
	for _, msg := range history {
		sessionInt.ChatHistory = append(sessionInt.ChatHistory, toMessageInternal(msg))
	}
	sessionJSON, err := json.Marshal(sessionInt)
	if err != nil {
		return fmt.Errorf("failed to marshal internal session: %w", err)
	}
	sessionKey := getSessionKey(session.FlowID, session.ConversationID)
	if err = s.rdb.Set(ctx, sessionKey, sessionJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionKey, err)
	}
	if err = s.rdb.Set(ctx, getFlowKey(session.FlowID), session.ConversationID, 0).Err(); err != nil {
		return fmt.Errorf("failed to save flow pointer %s: %w", session.FlowID, err)
	}
	return nil
}

func (s *SessionStorage) LoadCurrentSession(
	ctx context.Context, flowID string,
) (model.ConversationSession, []model.ChatMessage, error) {
	conversationID, err := s.rdb.Get(ctx, getFlowKey(flowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.ConversationSession{}, nil, model.ErrSessionDoesNotExist
		}
		return model.ConversationSession{}, nil, fmt.Errorf("failed to get flow pointer %s: %w", flowID, err)
	}
	sessionKey := getSessionKey(flowID, conversationID)
	sessionRaw, err := s.rdb.Get(ctx, sessionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.ConversationSession{}, nil, model.ErrSessionDoesNotExist
		}
		return model.ConversationSession{}, nil, fmt.Errorf("failed to get session %s: %w", sessionKey, err)
	}
	var sessionInt sessionInternal
	if err = json.Unmarshal([]byte(sessionRaw), &sessionInt); err != nil {
		return model.ConversationSession{}, nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionKey, err)
	}

	history := make([]model.ChatMessage, 0, len(sessionInt.ChatHistory))
	for _, msg := range sessionInt.ChatHistory {
		history = append(history, fromMessageInternal(msg))
	}
	session := model.ConversationSession{
		FlowID:         flowID,
		ConversationID: sessionInt.ConversationID,
	}
	return session, history, nil
}

func (s *SessionStorage) DeleteSession(ctx context.Context, session model.ConversationSession) error {
	sessionKey := getSessionKey(session.FlowID, session.ConversationID)
	if err := s.rdb.Del(ctx, sessionKey, getFlowKey(session.FlowID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionKey, err)
	}
	return nil
}

func toMessageInternal(msg model.ChatMessage) messageInternal {
	msgInt := messageInternal{
		MessageID:       msg.MessageID,
		Role:            msg.Role,
		Text:            msg.Text,
		SourceDocuments: msg.SourceDocuments,
		UsedTools:       msg.UsedTools,
		FileAnnotations: msg.FileAnnotations,
		AgentReasoning:  msg.AgentReasoning,
		Action:          msg.Action,
		Artifacts:       msg.Artifacts,
		Rating:          msg.Rating,
	}
	for _, upload := range msg.FileUploads {
		msgInt.FileUploads = append(
			msgInt.FileUploads, fileUploadInternal{
				Type: upload.Type,
				Name: upload.Name,
				Mime: upload.Mime,
			},
		)
	}
	return msgInt
}

func fromMessageInternal(msgInt messageInternal) model.ChatMessage {
	msg := model.ChatMessage{
		MessageID:       msgInt.MessageID,
		Role:            msgInt.Role,
		Text:            msgInt.Text,
		SourceDocuments: msgInt.SourceDocuments,
		UsedTools:       msgInt.UsedTools,
		FileAnnotations: msgInt.FileAnnotations,
		AgentReasoning:  msgInt.AgentReasoning,
		Action:          msgInt.Action,
		Artifacts:       msgInt.Artifacts,
		Rating:          msgInt.Rating,
	}
	for _, upload := range msgInt.FileUploads {
		msg.FileUploads = append(
			msg.FileUploads, model.FileUpload{
				Type: upload.Type,
				Name: upload.Name,
				Mime: upload.Mime,
			},
		)
	}
	return msg
}

func getFlowKey(flowID string) string {
	return fmt.Sprintf("flow_%s", flowID)
}

func getSessionKey(flowID, conversationID string) string {
	return fmt.Sprintf("session_%s_%s", flowID, conversationID)
}
