package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/embedkit/chatsync/config"
	"github.com/embedkit/chatsync/internal/model"
	in_memory "github.com/embedkit/chatsync/internal/storage/in-memory"
	key_value "github.com/embedkit/chatsync/internal/storage/key-value"
	"github.com/embedkit/chatsync/internal/usecase"
	"github.com/embedkit/chatsync/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options carries host-supplied collaborators. Every field is optional.
type Options struct {
	Logger         *slog.Logger
	HTTPClient     *http.Client
	RequestHook    usecase.RequestHook
	Hooks          usecase.Hooks
	OnChime        func()
	SessionStorage usecase.SessionStorage
}

// Engine is the embeddable conversation engine. One Engine serves one flow
// and one live conversation at a time.
type Engine struct {
	chat        *usecase.ChatUsecase
	messageLog  *usecase.MessageLogUsecase
	attachments *usecase.AttachmentUsecase
}

// New restores the current conversation for the configured flow (or starts a
// fresh one), probes the flow service for streaming support and wires the
// full pipeline.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Log)
	}

	sessionStorage := opts.SessionStorage
	if sessionStorage == nil {
		if cfg.Redis.Endpoint != "" {
			rdb := redis.NewClient(
				&redis.Options{
					Addr: cfg.Redis.Endpoint,
				},
			)
			sessionStorage = key_value.NewSessionStorage(rdb)
		} else {
			sessionStorage = in_memory.NewSessionStorage()
		}
	}

	prediction := usecase.NewPredictionUsecase(
		usecase.PredictionUsecaseDeps{
			HTTPClient:  opts.HTTPClient,
			RequestHook: opts.RequestHook,
			Logger:      log,
		}, cfg.Flow, cfg.Prediction,
	)

	streamingAvailable, err := prediction.IsStreamingAvailable(ctx)
	if err != nil {
		log.Warn("streaming probe failed, falling back to single-shot", "error", err)
		streamingAvailable = false
	}

	session, history, err := restoreSession(ctx, cfg, sessionStorage, log)
	if err != nil {
		return nil, err
	}

	messageLog := usecase.NewMessageLogUsecase(
		usecase.MessageLogDeps{
			SessionStorage: sessionStorage,
			Logger:         log,
			OnChime:        opts.OnChime,
		}, session, history, cfg.Flow.CustomerID,
	)

	recordedLead, err := loadLead(ctx, cfg, sessionStorage)
	if err != nil {
		return nil, err
	}

	if len(history) == 0 {
		seedConversation(ctx, cfg, messageLog, recordedLead != nil)
	}

	stream := usecase.NewStreamUsecase(
		usecase.StreamUsecaseDeps{
			MessageLog: messageLog,
			Logger:     log,
		},
	)

	attachments := usecase.NewAttachmentUsecase(cfg.Upload, log)

	chat := usecase.NewChatUsecase(
		usecase.ChatUsecaseDeps{
			MessageLog:  messageLog,
			Stream:      stream,
			Prediction:  prediction,
			Attachments: attachments,
			Leads:       sessionStorage,
			Logger:      log,
			Hooks:       opts.Hooks,
		}, cfg.Flow, cfg.LeadCapture, streamingAvailable, recordedLead,
	)

	return &Engine{
		chat:        chat,
		messageLog:  messageLog,
		attachments: attachments,
	}, nil
}

func restoreSession(
	ctx context.Context, cfg *config.Config, sessionStorage usecase.SessionStorage, log *slog.Logger,
) (model.ConversationSession, []model.ChatMessage, error) {
	fresh := model.ConversationSession{
		FlowID:         cfg.Flow.FlowID,
		ConversationID: model.NewConversationID(cfg.Flow.CustomerID),
	}
	if cfg.Flow.ClearOnReload {
		return fresh, nil, nil
	}
	session, history, err := sessionStorage.LoadCurrentSession(ctx, cfg.Flow.FlowID)
	if err != nil {
		if errors.Is(err, model.ErrSessionDoesNotExist) {
			return fresh, nil, nil
		}
		return model.ConversationSession{}, nil, fmt.Errorf("failed to restore session: %w", err)
	}
	log.Info("restored conversation", "conversation_id", session.ConversationID, "messages", len(history))
	return session, history, nil
}

func loadLead(ctx context.Context, cfg *config.Config, sessionStorage usecase.SessionStorage) (*model.Lead, error) {
	lead, err := sessionStorage.GetLead(ctx, cfg.Flow.FlowID)
	if err != nil {
		if errors.Is(err, model.ErrLeadDoesNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}
	return &lead, nil
}

// seedConversation writes the welcome message and, when the lead-capture
// policy is active without a recorded lead, the capture prompt.
func seedConversation(
	ctx context.Context, cfg *config.Config, messageLog *usecase.MessageLogUsecase, leadRecorded bool,
) {
	messageLog.ClearConversation(ctx, cfg.Flow.WelcomeMessage, cfg.LeadCapture.Status && !leadRecorded)
}

func (e *Engine) Submit(ctx context.Context, text string, action *model.MessageAction) error {
	return e.chat.Submit(ctx, text, action)
}

func (e *Engine) Abort() {
	e.chat.Abort()
}

func (e *Engine) Compose() {
	e.chat.Compose()
}

func (e *Engine) Status() model.TurnStatus {
	return e.chat.Status()
}

func (e *Engine) Messages() []model.ChatMessage {
	return e.messageLog.Messages()
}

func (e *Engine) Session() model.ConversationSession {
	return e.messageLog.Session()
}

func (e *Engine) ClearConversation(ctx context.Context) error {
	return e.chat.ClearConversation(ctx)
}

func (e *Engine) SaveLead(ctx context.Context, lead model.Lead) error {
	return e.chat.SaveLead(ctx, lead)
}

func (e *Engine) AddImage(name, mimeType string, data []byte) (uuid.UUID, error) {
	return e.attachments.AddImage(name, mimeType, data)
}

func (e *Engine) AddAudio(name, mimeType string, data []byte) (uuid.UUID, error) {
	return e.attachments.AddAudio(name, mimeType, data)
}

func (e *Engine) AddFile(name, mimeType string, data []byte) (uuid.UUID, error) {
	return e.attachments.AddFile(name, mimeType, data)
}

func (e *Engine) AddURL(link string) (uuid.UUID, error) {
	return e.attachments.AddURL(link)
}

func (e *Engine) RemoveAttachment(handle uuid.UUID) {
	e.attachments.Remove(handle)
}

func (e *Engine) Attachments() []model.AttachmentPreview {
	return e.attachments.Previews()
}
