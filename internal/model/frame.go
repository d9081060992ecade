package model

import "encoding/json"

// Stream event names delivered by the prediction endpoint. Any event not
// listed here is ignored by the engine.
const (
	EventStart           = "start"
	EventToken           = "token"
	EventSourceDocuments = "sourceDocuments"
	EventUsedTools       = "usedTools"
	EventFileAnnotations = "fileAnnotations"
	EventAgentReasoning  = "agentReasoning"
	EventAction          = "action"
	EventArtifacts       = "artifacts"
	EventMetadata        = "metadata"
	EventError           = "error"
	EventAbort           = "abort"
	EventEnd             = "end"
)

// Frame is one discrete {event, data} unit delivered over the streaming
// channel. Data is kept raw; payload interpretation happens at dispatch.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Metadata is the payload of a metadata frame: backfill material for the
// session identifier, the open message's durable id and, for voice-only
// turns, the question reconstructed by the server.
type Metadata struct {
	ConversationID string `json:"chatId,omitempty"`
	MessageID      string `json:"chatMessageId,omitempty"`
	Question       string `json:"question,omitempty"`
}
