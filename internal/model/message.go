package model

import "encoding/json"

type Role string

// Wire values match the flow service's message roles.
const (
	RoleAssistant       = Role("apiMessage")
	RoleUser            = Role("userMessage")
	RoleUserPlaceholder = Role("usermessagewaiting")
	RoleLeadCapture     = Role("leadCaptureMessage")
)

// AgentReasoningStep is one entry of an assistant message's reasoning trail.
// NextAgent marks a hand-off to a further agent; steps carrying it are pruned
// when a stream is aborted, since the next agent never ran.
type AgentReasoningStep struct {
	AgentName       string          `json:"agentName,omitempty"`
	Messages        []string        `json:"messages,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	UsedTools       json.RawMessage `json:"usedTools,omitempty"`
	SourceDocuments json.RawMessage `json:"sourceDocuments,omitempty"`
	NextAgent       string          `json:"nextAgent,omitempty"`
}

type ActionElement struct {
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
}

// MessageAction is a structured proposal the user may accept or reject.
type MessageAction struct {
	ID       string          `json:"id,omitempty"`
	Elements []ActionElement `json:"elements,omitempty"`
	Mapping  json.RawMessage `json:"mapping,omitempty"`
}

// ChatMessage is one turn-unit of the conversation log.
type ChatMessage struct {
	// MessageID is the durable identifier assigned by the server once the
	// message is persisted there; empty until a metadata frame supplies it.
	MessageID       string
	Role            Role
	Text            string
	SourceDocuments json.RawMessage
	UsedTools       json.RawMessage
	FileAnnotations json.RawMessage
	AgentReasoning  []AgentReasoningStep
	Action          *MessageAction
	Artifacts       []FileUpload
	Rating          string
	FileUploads     []FileUpload
}

// SanitizeHistory projects a conversation log into its persistable form:
// every attachment payload is replaced with its metadata-only descriptor
// so encoded data URIs never accumulate in durable storage. Message count,
// ordering and all non-attachment fields are preserved.
func SanitizeHistory(history []ChatMessage) []ChatMessage {
	sanitized := make([]ChatMessage, len(history))
	copy(sanitized, history)
	for i := range sanitized {
		if len(sanitized[i].FileUploads) == 0 {
			continue
		}
		uploads := make([]FileUpload, 0, len(sanitized[i].FileUploads))
		for _, upload := range sanitized[i].FileUploads {
			uploads = append(uploads, upload.Sanitized())
		}
		sanitized[i].FileUploads = uploads
	}
	return sanitized
}
