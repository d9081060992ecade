package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/embedkit/chatsync/config"
	"github.com/embedkit/chatsync/internal/model"
	"github.com/sourcegraph/conc"
)

// User-visible terminal error texts.
const (
	MessageServerError       = "Something went wrong. Please try again later"
	MessageUploadFailedError = "Failed to upload your attachments. Please try again later"
)

var (
	ErrEmptySubmission  = errors.New("submission is empty")
	ErrTurnInFlight     = errors.New("a turn is already in flight")
	ErrLeadFieldMissing = errors.New("required lead field is missing")
)

// Hooks are UI side effects delegated to the embedding host. All optional.
type Hooks struct {
	OnScrollRequest func()
	OnComposerReset func()
	OnStatusChanged func(model.TurnStatus)
}

type ChatUsecaseDeps struct {
	MessageLog  *MessageLogUsecase
	Stream      *StreamUsecase
	Prediction  *PredictionUsecase
	Attachments *AttachmentUsecase
	Leads       SessionStorage
	Logger      *slog.Logger
	Hooks       Hooks
}

// ChatUsecase drives one turn end to end: gather pending attachments, push
// raw files through the upload side-channel, build the outbound request, and
// run either the streaming or the single-shot path. It also owns the
// turn-level status and guarantees the shared cleanup on every terminal
// transition.
//
// Mutual exclusion over the log is structural: at most one turn is in flight
// (enforced by the status transition) and stream frames are dispatched
// sequentially by the single reader, so no locking guards the reducer.
type ChatUsecase struct {
	ChatUsecaseDeps
	flowCfg            config.Flow
	leadCfg            config.LeadCapture
	streamingAvailable bool

	status      atomic.Int32
	abortStream atomic.Pointer[context.CancelFunc]

	lead         model.Lead
	leadRecorded bool
}

func NewChatUsecase(
	deps ChatUsecaseDeps, flowCfg config.Flow, leadCfg config.LeadCapture,
	streamingAvailable bool, recordedLead *model.Lead,
) *ChatUsecase {
	c := &ChatUsecase{
		ChatUsecaseDeps:    deps,
		flowCfg:            flowCfg,
		leadCfg:            leadCfg,
		streamingAvailable: streamingAvailable,
	}
	if recordedLead != nil {
		c.lead = *recordedLead
		c.leadRecorded = true
	}
	return c
}

func (c *ChatUsecase) Status() model.TurnStatus {
	return model.TurnStatus(c.status.Load())
}

// Compose marks the turn as being typed. Ignored while a turn is in flight.
func (c *ChatUsecase) Compose() {
	if c.status.CompareAndSwap(int32(model.TurnStatusIdle), int32(model.TurnStatusComposing)) {
		c.notifyStatus(model.TurnStatusComposing)
	}
}

// Submit runs one turn to completion. Failures past the legality check are
// recovered locally: they surface as a terminal assistant message and the
// turn returns to idle, never as an error to the host.
func (c *ChatUsecase) Submit(ctx context.Context, text string, action *model.MessageAction) error {
	text = strings.TrimSpace(text)
	previews := c.Attachments.Previews()
	if !submissionLegal(text, previews) {
		return ErrEmptySubmission
	}
	if !c.beginTurn() {
		return ErrTurnInFlight
	}
	if c.Hooks.OnScrollRequest != nil {
		c.Hooks.OnScrollRequest()
	}

	previews = c.Attachments.Drain()
	c.MessageLog.AppendUserMessage(ctx, text, logUploads(previews))

	requestUploads := make([]model.FileUpload, 0, len(previews))
	rawFiles := make([]model.AttachmentPreview, 0)
	for _, preview := range previews {
		if preview.Raw {
			rawFiles = append(rawFiles, preview)
			continue
		}
		requestUploads = append(
			requestUploads, model.FileUpload{
				Data: preview.Data,
				Type: uploadTypeFor(preview.Kind),
				Name: preview.Name,
				Mime: preview.Mime,
			},
		)
	}

	if len(rawFiles) > 0 {
		descriptors, err := c.Prediction.UploadAttachments(ctx, c.MessageLog.Session().ConversationID, rawFiles)
		if err != nil {
			c.Logger.Error("failed to upload attachments", "error", err)
			c.MessageLog.AppendErrorMessage(ctx, MessageUploadFailedError)
			c.finishTurn(ctx, model.TurnStatusErrored)
			return nil
		}
		requestUploads = append(requestUploads, descriptors...)
	}

	predReq := PredictionRequest{
		Question:       text,
		ConversationID: c.MessageLog.Session().ConversationID,
		OverrideConfig: c.overrideConfig(),
		Uploads:        requestUploads,
		LeadEmail:      c.leadEmail(),
		Action:         action,
	}

	if c.streamingAvailable {
		c.streamTurn(ctx, predReq, text)
	} else {
		c.directTurn(ctx, predReq, text)
	}
	return nil
}

// Abort cancels the in-flight streaming turn. Idempotent and safe after the
// stream has already closed.
func (c *ChatUsecase) Abort() {
	if cancel := c.abortStream.Load(); cancel != nil {
		(*cancel)()
	}
}

// ClearConversation replaces the log with a fresh welcome message under a new
// conversation identifier, re-appending the lead-capture prompt when the
// policy is active and no lead has been recorded yet.
func (c *ChatUsecase) ClearConversation(ctx context.Context) error {
	if c.Status() != model.TurnStatusIdle {
		return ErrTurnInFlight
	}
	c.MessageLog.ClearConversation(ctx, c.flowCfg.WelcomeMessage, c.leadCfg.Status && !c.leadRecorded)
	if c.Hooks.OnScrollRequest != nil {
		c.Hooks.OnScrollRequest()
	}
	return nil
}

// SaveLead validates a completed lead-capture form against the policy,
// reports it to the flow service and records it durably for this flow.
func (c *ChatUsecase) SaveLead(ctx context.Context, lead model.Lead) error {
	for _, field := range c.leadCfg.RequiredFields {
		var value string
		switch strings.ToLower(field) {
		case "name":
			value = lead.Name
		case "email":
			value = lead.Email
		case "phone":
			value = lead.Phone
		}
		if value == "" {
			return fmt.Errorf("%w: %s", ErrLeadFieldMissing, field)
		}
	}
	if err := c.Prediction.SubmitLead(ctx, c.MessageLog.Session().ConversationID, lead); err != nil {
		return fmt.Errorf("failed to submit lead: %w", err)
	}
	if err := c.Leads.SaveLead(ctx, c.MessageLog.Session().FlowID, lead); err != nil {
		return fmt.Errorf("failed to save lead: %w", err)
	}
	c.lead = lead
	c.leadRecorded = true
	return nil
}

func (c *ChatUsecase) streamTurn(ctx context.Context, predReq PredictionRequest, text string) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.abortStream.Store(&cancel)
	defer c.abortStream.Store(nil)

	// Reducer persists must survive a mid-stream abort; only the transport
	// read is governed by the cancellable context.
	dispatchCtx := context.WithoutCancel(ctx)

	body, err := c.Prediction.QueryStreaming(streamCtx, predReq)
	if err != nil {
		c.Logger.Error("failed to open stream", "error", err)
		c.MessageLog.AppendErrorMessage(ctx, MessageServerError)
		c.finishTurn(ctx, model.TurnStatusErrored)
		return
	}
	c.setStatus(model.TurnStatusStreaming)

	// Two goroutines per turn: the consumer reads and dispatches frames, the
	// watcher closes the body on cancellation so an abort unblocks a read
	// that is stalled mid-frame. The consumer cancels on return to release
	// the watcher.
	var outcome StreamOutcome
	var consumeErr error
	var cancelled bool
	wg := conc.NewWaitGroup()
	wg.Go(
		func() {
			outcome, consumeErr = c.Stream.Consume(dispatchCtx, body, text)
			cancelled = streamCtx.Err() != nil
			cancel()
		},
	)
	wg.Go(
		func() {
			<-streamCtx.Done()
			body.Close()
		},
	)
	wg.Wait()

	switch {
	case outcome.Ended:
		c.finishTurn(ctx, model.TurnStatusDone)
	case outcome.Aborted:
		c.finishTurn(ctx, model.TurnStatusAborted)
	case outcome.Errored:
		c.finishTurn(ctx, model.TurnStatusErrored)
	case cancelled:
		c.MessageLog.FinalizeAbort(dispatchCtx)
		c.finishTurn(ctx, model.TurnStatusAborted)
	default:
		// Transport dropped without a terminal frame: an implicit error.
		c.Logger.Error("stream closed without terminal frame", "error", consumeErr)
		c.MessageLog.AppendErrorMessage(ctx, MessageServerError)
		c.finishTurn(ctx, model.TurnStatusErrored)
	}
}

// directTurn performs the single request/response call and synthesizes the
// equivalent of start+enrichment+end by appending one complete assistant
// message, then applies the same metadata backfill rule as the streaming path.
func (c *ChatUsecase) directTurn(ctx context.Context, predReq PredictionRequest, text string) {
	resp, err := c.Prediction.Query(ctx, predReq)
	if err != nil {
		c.Logger.Error("prediction call failed", "error", err)
		c.MessageLog.AppendErrorMessage(ctx, MessageServerError)
		c.finishTurn(ctx, model.TurnStatusErrored)
		return
	}

	msg := model.ChatMessage{
		Text:            resp.Text,
		SourceDocuments: resp.SourceDocuments,
		UsedTools:       resp.UsedTools,
		FileAnnotations: resp.FileAnnotations,
		Artifacts:       resp.Artifacts,
	}
	if len(resp.AgentReasoning) > 0 {
		if steps, err := normalizeAgentReasoning(resp.AgentReasoning); err == nil {
			msg.AgentReasoning = steps
		} else {
			c.Logger.Warn("dropping malformed agent reasoning in reply", "error", err)
		}
	}
	if len(resp.Action) > 0 {
		if action, err := normalizeAction(resp.Action); err == nil {
			msg.Action = action
		} else {
			c.Logger.Warn("dropping malformed action in reply", "error", err)
		}
	}
	c.MessageLog.AppendAssistantReply(ctx, msg)
	c.MessageLog.ApplyMetadata(
		ctx, model.Metadata{
			ConversationID: resp.ConversationID,
			MessageID:      resp.MessageID,
			Question:       resp.Question,
		}, text,
	)
	c.finishTurn(ctx, model.TurnStatusDone)
}

// finishTurn is the shared cleanup every terminal transition funnels through:
// strip the user message's raw payloads from the live log, destroy leftover
// previews, reset the host's composer, request a scroll, return to idle.
func (c *ChatUsecase) finishTurn(ctx context.Context, terminal model.TurnStatus) {
	c.MessageLog.SanitizeLastUserMessage(context.WithoutCancel(ctx))
	c.Attachments.Clear()
	if c.Hooks.OnComposerReset != nil {
		c.Hooks.OnComposerReset()
	}
	if c.Hooks.OnScrollRequest != nil {
		c.Hooks.OnScrollRequest()
	}
	c.setStatus(terminal)
	c.setStatus(model.TurnStatusIdle)
}

func (c *ChatUsecase) beginTurn() bool {
	if c.status.CompareAndSwap(int32(model.TurnStatusIdle), int32(model.TurnStatusSending)) ||
		c.status.CompareAndSwap(int32(model.TurnStatusComposing), int32(model.TurnStatusSending)) {
		c.notifyStatus(model.TurnStatusSending)
		return true
	}
	return false
}

func (c *ChatUsecase) setStatus(status model.TurnStatus) {
	c.status.Store(int32(status))
	c.notifyStatus(status)
}

func (c *ChatUsecase) notifyStatus(status model.TurnStatus) {
	if c.Hooks.OnStatusChanged != nil {
		c.Hooks.OnStatusChanged(status)
	}
}

func (c *ChatUsecase) overrideConfig() json.RawMessage {
	if c.flowCfg.OverrideConfig != "" {
		return json.RawMessage(c.flowCfg.OverrideConfig)
	}
	passthrough, err := json.Marshal(
		map[string]any{
			"analytics": map[string]any{
				"widget": map[string]string{
					"conversationId": c.MessageLog.Session().ConversationID,
				},
			},
		},
	)
	if err != nil {
		return nil
	}
	return passthrough
}

func (c *ChatUsecase) leadEmail() string {
	if !c.leadRecorded {
		return ""
	}
	return c.lead.Email
}

// submissionLegal rejects an empty-text turn unless an image or a voice note
// accompanies it; those carry their own implicit question. Other attachment
// kinds need typed text.
func submissionLegal(text string, previews []model.AttachmentPreview) bool {
	if text != "" {
		return true
	}
	for _, preview := range previews {
		if preview.Kind == model.AttachmentKindImage || preview.Kind == model.AttachmentKindAudio {
			return true
		}
	}
	return false
}

func logUploads(previews []model.AttachmentPreview) []model.FileUpload {
	if len(previews) == 0 {
		return nil
	}
	uploads := make([]model.FileUpload, 0, len(previews))
	for _, preview := range previews {
		uploads = append(
			uploads, model.FileUpload{
				Data: preview.Data,
				Type: uploadTypeFor(preview.Kind),
				Name: preview.Name,
				Mime: preview.Mime,
			},
		)
	}
	return uploads
}

func uploadTypeFor(kind model.AttachmentKind) string {
	switch kind {
	case model.AttachmentKindAudio:
		return model.UploadTypeAudio
	case model.AttachmentKindURL:
		return model.UploadTypeURL
	case model.AttachmentKindFile:
		return model.UploadTypeFileFull
	default:
		return model.UploadTypeFile
	}
}
