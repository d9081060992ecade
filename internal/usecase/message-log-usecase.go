package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/embedkit/chatsync/internal/model"
)

// SessionStorage is the durable mirror of one conversation log per flow.
type SessionStorage interface {
	SaveSession(ctx context.Context, session model.ConversationSession, history []model.ChatMessage) error
	LoadCurrentSession(ctx context.Context, flowID string) (model.ConversationSession, []model.ChatMessage, error)
	DeleteSession(ctx context.Context, session model.ConversationSession) error
	SaveLead(ctx context.Context, flowID string, lead model.Lead) error
	GetLead(ctx context.Context, flowID string) (model.Lead, error)
}

type MessageLogDeps struct {
	SessionStorage SessionStorage
	Logger         *slog.Logger
	// OnChime fires once per assistant turn, on the first token append.
	OnChime func()
}

const noOpenTurn = -1

// MessageLogUsecase owns the ordered message log and is its only mutator.
// Every mutation writes the sanitized projection through to the session
// storage. Callers must not interleave mutations; the engine guarantees a
// single writer structurally (one turn in flight, frames dispatched in order).
type MessageLogUsecase struct {
	MessageLogDeps
	session    model.ConversationSession
	log        []model.ChatMessage
	openTurn   int
	chimed     bool
	customerID string
}

func NewMessageLogUsecase(
	deps MessageLogDeps, session model.ConversationSession, history []model.ChatMessage, customerID string,
) *MessageLogUsecase {
	log := make([]model.ChatMessage, len(history))
	copy(log, history)
	return &MessageLogUsecase{
		MessageLogDeps: deps,
		session:        session,
		log:            log,
		openTurn:       noOpenTurn,
		customerID:     customerID,
	}
}

func (m *MessageLogUsecase) Session() model.ConversationSession {
	return m.session
}

// Messages returns a copy of the log for safe external reads.
func (m *MessageLogUsecase) Messages() []model.ChatMessage {
	messages := make([]model.ChatMessage, len(m.log))
	copy(messages, m.log)
	return messages
}

// OpenAssistantTurn appends a new empty assistant message and marks it as the
// open turn. No-op on an empty log; the mount-time welcome message makes that
// unreachable in practice.
func (m *MessageLogUsecase) OpenAssistantTurn(ctx context.Context) {
	if len(m.log) == 0 {
		m.Logger.Warn("ignoring start frame on empty log")
		return
	}
	m.log = append(m.log, model.ChatMessage{Role: model.RoleAssistant})
	m.openTurn = len(m.log) - 1
	m.chimed = false
	m.persist(ctx)
}

// CloseAssistantTurn finalizes the open turn and persists the log.
func (m *MessageLogUsecase) CloseAssistantTurn(ctx context.Context) {
	m.openTurn = noOpenTurn
	m.chimed = false
	m.persist(ctx)
}

// AppendToken concatenates a streamed fragment to the open message. Empty
// fragments and fragments arriving without a valid open turn (late or
// duplicate frames) are dropped.
func (m *MessageLogUsecase) AppendToken(ctx context.Context, text string) {
	if text == "" {
		return
	}
	msg, ok := m.openMessage()
	if !ok {
		m.Logger.Debug("dropping token without open turn")
		return
	}
	msg.Text += text
	if !m.chimed {
		m.chimed = true
		if m.OnChime != nil {
			m.OnChime()
		}
	}
	m.persist(ctx)
}

func (m *MessageLogUsecase) SetSourceDocuments(ctx context.Context, raw json.RawMessage) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.SourceDocuments = raw })
}

func (m *MessageLogUsecase) SetUsedTools(ctx context.Context, raw json.RawMessage) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.UsedTools = raw })
}

func (m *MessageLogUsecase) SetFileAnnotations(ctx context.Context, raw json.RawMessage) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.FileAnnotations = raw })
}

func (m *MessageLogUsecase) SetAgentReasoning(ctx context.Context, steps []model.AgentReasoningStep) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.AgentReasoning = steps })
}

func (m *MessageLogUsecase) SetAction(ctx context.Context, action *model.MessageAction) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.Action = action })
}

func (m *MessageLogUsecase) SetArtifacts(ctx context.Context, artifacts []model.FileUpload) {
	m.setEnrichment(ctx, func(msg *model.ChatMessage) { msg.Artifacts = artifacts })
}

// setEnrichment overwrites a field of the open message, last write wins.
// Repeated frames for the same field replace the previous value; the server
// always sends the full current value, so nothing is merged.
func (m *MessageLogUsecase) setEnrichment(ctx context.Context, set func(*model.ChatMessage)) {
	msg, ok := m.openMessage()
	if !ok {
		m.Logger.Debug("dropping enrichment without open turn")
		return
	}
	set(msg)
	m.persist(ctx)
}

// AppendUserMessage appends the user's turn, full attachment payloads
// included; they stay in memory until the turn settles and are stripped by
// SanitizeLastUserMessage.
func (m *MessageLogUsecase) AppendUserMessage(ctx context.Context, text string, uploads []model.FileUpload) {
	m.log = append(
		m.log, model.ChatMessage{
			Role:        model.RoleUser,
			Text:        text,
			FileUploads: uploads,
		},
	)
	m.openTurn = noOpenTurn
	m.persist(ctx)
}

// AppendErrorMessage always appends a brand-new assistant message. Errors are
// terminal and must not be confused with partial streamed content, so the
// open message, if any, keeps whatever it accumulated.
func (m *MessageLogUsecase) AppendErrorMessage(ctx context.Context, text string) {
	m.log = append(
		m.log, model.ChatMessage{
			Role: model.RoleAssistant,
			Text: text,
		},
	)
	m.openTurn = noOpenTurn
	m.chimed = false
	m.persist(ctx)
}

// ApplyMetadata backfills server-assigned identifiers. The session identifier
// is replaced when the server renews it; the durable message id attaches to
// the last message only when it is the assistant's.
func (m *MessageLogUsecase) ApplyMetadata(ctx context.Context, meta model.Metadata, originalInput string) {
	if meta.ConversationID != "" && meta.ConversationID != m.session.ConversationID {
		superseded := m.session
		m.session.ConversationID = meta.ConversationID
		// the log is re-persisted under the renewed id; drop the stale
		// record so keys do not accumulate across renewals
		if err := m.SessionStorage.DeleteSession(ctx, superseded); err != nil {
			m.Logger.Error("failed to delete superseded session", "error", err)
		}
	}
	if meta.MessageID != "" && len(m.log) > 0 && m.log[len(m.log)-1].Role == model.RoleAssistant {
		m.log[len(m.log)-1].MessageID = meta.MessageID
	}
	if originalInput == "" && meta.Question != "" {
		m.backfillUserQuestion(meta.Question)
	}
	m.persist(ctx)
}

// backfillUserQuestion rewrites the second-to-last message's text with the
// question the server reconstructed from a voice-only turn. This is the only
// mutation of a message other than the last one, kept as its own operation so
// the exception stays narrow and auditable.
func (m *MessageLogUsecase) backfillUserQuestion(question string) {
	if len(m.log) < 2 {
		return
	}
	prev := &m.log[len(m.log)-2]
	if prev.Role != model.RoleUser {
		return
	}
	prev.Text = question
}

// FinalizeAbort prunes, from the open message's reasoning trail, every step
// whose next-agent marker is set: an aborted stream may have committed a
// hand-off to an agent that never ran, and surfacing it would be misleading.
func (m *MessageLogUsecase) FinalizeAbort(ctx context.Context) {
	msg, ok := m.openMessage()
	if !ok {
		return
	}
	if len(msg.AgentReasoning) > 0 {
		kept := make([]model.AgentReasoningStep, 0, len(msg.AgentReasoning))
		for _, step := range msg.AgentReasoning {
			if step.NextAgent != "" {
				continue
			}
			kept = append(kept, step)
		}
		msg.AgentReasoning = kept
	}
	m.openTurn = noOpenTurn
	m.chimed = false
	m.persist(ctx)
}

// AppendAssistantReply appends a complete assistant message in one step, the
// non-streaming equivalent of start+enrichment+end.
func (m *MessageLogUsecase) AppendAssistantReply(ctx context.Context, msg model.ChatMessage) {
	msg.Role = model.RoleAssistant
	m.log = append(m.log, msg)
	m.openTurn = noOpenTurn
	m.persist(ctx)
}

// SanitizeLastUserMessage strips encoded attachment payloads from the most
// recent user message in the live log. Distinct from the storage projection:
// this targets the in-memory log so raw payloads do not linger there either.
func (m *MessageLogUsecase) SanitizeLastUserMessage(ctx context.Context) {
	for i := len(m.log) - 1; i >= 0; i-- {
		if m.log[i].Role != model.RoleUser {
			continue
		}
		if len(m.log[i].FileUploads) == 0 {
			return
		}
		uploads := make([]model.FileUpload, 0, len(m.log[i].FileUploads))
		for _, upload := range m.log[i].FileUploads {
			uploads = append(uploads, upload.Sanitized())
		}
		m.log[i].FileUploads = uploads
		m.persist(ctx)
		return
	}
}

// ClearConversation replaces the whole log with a fresh welcome message under
// a new conversation identifier. The previous persisted record is removed
// best-effort: a storage failure is logged, never surfaced, and the in-memory
// state resets regardless.
func (m *MessageLogUsecase) ClearConversation(ctx context.Context, welcomeText string, withLeadPrompt bool) {
	if err := m.SessionStorage.DeleteSession(ctx, m.session); err != nil {
		m.Logger.Error("failed to delete persisted session", "error", err)
	}
	m.session.ConversationID = model.NewConversationID(m.customerID)
	m.log = []model.ChatMessage{
		{
			Role: model.RoleAssistant,
			Text: welcomeText,
		},
	}
	if withLeadPrompt {
		m.log = append(m.log, model.ChatMessage{Role: model.RoleLeadCapture})
	}
	m.openTurn = noOpenTurn
	m.chimed = false
	m.persist(ctx)
}

// openMessage validates the open-turn pointer before handing out the message:
// it must be in bounds, the last element, and an assistant message. A failed
// check means the frame was late or duplicated and the caller drops it.
func (m *MessageLogUsecase) openMessage() (*model.ChatMessage, bool) {
	if m.openTurn == noOpenTurn || m.openTurn != len(m.log)-1 {
		return nil, false
	}
	if m.log[m.openTurn].Role != model.RoleAssistant {
		return nil, false
	}
	return &m.log[m.openTurn], true
}

func (m *MessageLogUsecase) persist(ctx context.Context) {
	if err := m.SessionStorage.SaveSession(ctx, m.session, model.SanitizeHistory(m.log)); err != nil {
		m.Logger.Error("failed to persist session", "error", err)
	}
}
