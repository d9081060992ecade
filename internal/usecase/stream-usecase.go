package usecase

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/embedkit/chatsync/internal/model"
)

type StreamUsecaseDeps struct {
	MessageLog *MessageLogUsecase
	Logger     *slog.Logger
}

// StreamUsecase consumes the server-to-client event channel of one streaming
// turn and dispatches each frame to exactly one reducer entry point. Payloads
// that arrive in more than one wire representation (agentReasoning and action
// come either structured or as serialized text) are normalized here, so the
// reducer never probes types.
type StreamUsecase struct {
	StreamUsecaseDeps
}

func NewStreamUsecase(deps StreamUsecaseDeps) *StreamUsecase {
	return &StreamUsecase{
		StreamUsecaseDeps: deps,
	}
}

// StreamOutcome reports which terminal frame, if any, closed the stream.
// A stream that ends without one is a transport failure and the caller
// treats it as an implicit error frame.
type StreamOutcome struct {
	Ended   bool
	Aborted bool
	Errored bool
}

func (o StreamOutcome) Terminal() bool {
	return o.Ended || o.Aborted || o.Errored
}

const maxFrameSize = 1 << 20

// Consume reads SSE frames ({event, data} pairs, blank-line terminated,
// multi-line data joined with newlines, ":" comments skipped) until the
// channel closes, dispatching each frame in arrival order. originalInput is
// the user's typed text, needed for the metadata question backfill.
func (s *StreamUsecase) Consume(ctx context.Context, r io.Reader, originalInput string) (StreamOutcome, error) {
	var outcome StreamOutcome

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var event string
	var dataLines []string
	flush := func() {
		if event == "" && len(dataLines) == 0 {
			return
		}
		if event == "" {
			// data before event defaults to the "message" event, which the
			// engine does not recognize and therefore ignores.
			event = "message"
		}
		frame := model.Frame{
			Event: event,
			Data:  json.RawMessage(strings.Join(dataLines, "\n")),
		}
		event = ""
		dataLines = nil
		s.dispatch(ctx, frame, originalInput, &outcome)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			flush()
		default:
			// ":" starts an SSE comment; anything else is junk either way.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return outcome, fmt.Errorf("failed to read stream: %w", err)
	}
	return outcome, nil
}

func (s *StreamUsecase) dispatch(ctx context.Context, frame model.Frame, originalInput string, outcome *StreamOutcome) {
	switch frame.Event {
	case model.EventStart:
		s.MessageLog.OpenAssistantTurn(ctx)
	case model.EventToken:
		s.MessageLog.AppendToken(ctx, decodeText(frame.Data))
	case model.EventSourceDocuments:
		s.MessageLog.SetSourceDocuments(ctx, frame.Data)
	case model.EventUsedTools:
		s.MessageLog.SetUsedTools(ctx, frame.Data)
	case model.EventFileAnnotations:
		s.MessageLog.SetFileAnnotations(ctx, frame.Data)
	case model.EventAgentReasoning:
		steps, err := normalizeAgentReasoning(frame.Data)
		if err != nil {
			s.Logger.Warn("dropping malformed agentReasoning frame", "error", err)
			return
		}
		s.MessageLog.SetAgentReasoning(ctx, steps)
	case model.EventAction:
		action, err := normalizeAction(frame.Data)
		if err != nil {
			s.Logger.Warn("dropping malformed action frame", "error", err)
			return
		}
		s.MessageLog.SetAction(ctx, action)
	case model.EventArtifacts:
		var artifacts []model.FileUpload
		if err := json.Unmarshal(frame.Data, &artifacts); err != nil {
			s.Logger.Warn("dropping malformed artifacts frame", "error", err)
			return
		}
		s.MessageLog.SetArtifacts(ctx, artifacts)
	case model.EventMetadata:
		var meta model.Metadata
		if err := json.Unmarshal(frame.Data, &meta); err != nil {
			s.Logger.Warn("dropping malformed metadata frame", "error", err)
			return
		}
		s.MessageLog.ApplyMetadata(ctx, meta, originalInput)
	case model.EventError:
		outcome.Errored = true
		s.MessageLog.AppendErrorMessage(ctx, decodeErrorText(frame.Data))
	case model.EventAbort:
		outcome.Aborted = true
		s.MessageLog.FinalizeAbort(ctx)
	case model.EventEnd:
		outcome.Ended = true
		s.MessageLog.CloseAssistantTurn(ctx)
	default:
		s.Logger.Debug("ignoring unknown stream event", "event", frame.Event)
	}
}

// decodeText accepts both a JSON-encoded string and a bare fragment.
func decodeText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// decodeErrorText normalizes string and object error bodies into one message.
func decodeErrorText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return text
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return string(raw)
}

// normalizeAgentReasoning handles the payload's two wire representations:
// an already-structured array, or that same array serialized as a JSON string.
func normalizeAgentReasoning(raw json.RawMessage) ([]model.AgentReasoningStep, error) {
	var steps []model.AgentReasoningStep
	if err := json.Unmarshal(raw, &steps); err == nil {
		return steps, nil
	}
	var serialized string
	if err := json.Unmarshal(raw, &serialized); err != nil {
		return nil, fmt.Errorf("failed to decode agent reasoning: %w", err)
	}
	if err := json.Unmarshal([]byte(serialized), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode serialized agent reasoning: %w", err)
	}
	return steps, nil
}

func normalizeAction(raw json.RawMessage) (*model.MessageAction, error) {
	var action model.MessageAction
	if err := json.Unmarshal(raw, &action); err == nil {
		return &action, nil
	}
	var serialized string
	if err := json.Unmarshal(raw, &serialized); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	if err := json.Unmarshal([]byte(serialized), &action); err != nil {
		return nil, fmt.Errorf("failed to decode serialized action: %w", err)
	}
	return &action, nil
}
