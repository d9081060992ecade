package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/embedkit/chatsync/config"
	"github.com/embedkit/chatsync/internal/model"
	"github.com/embedkit/chatsync/pkg/datauri"
)

// RequestHook runs on every outbound request before it is sent. Hosts use it
// to attach authentication headers or rewrite requests.
type RequestHook func(*http.Request) error

type PredictionUsecaseDeps struct {
	HTTPClient  *http.Client
	RequestHook RequestHook
	Logger      *slog.Logger
}

// PredictionUsecase is the client of the flow service: prediction queries
// (streaming and single-shot), the streaming capability probe, the attachment
// upload side-channel and lead submission.
type PredictionUsecase struct {
	PredictionUsecaseDeps
	flowCfg config.Flow
	cfg     config.Prediction
}

func NewPredictionUsecase(deps PredictionUsecaseDeps, flowCfg config.Flow, cfg config.Prediction) *PredictionUsecase {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &PredictionUsecase{
		PredictionUsecaseDeps: deps,
		flowCfg:               flowCfg,
		cfg:                   cfg,
	}
}

// PredictionRequest is the body of a prediction call.
type PredictionRequest struct {
	Question       string               `json:"question"`
	ConversationID string               `json:"chatId,omitempty"`
	OverrideConfig json.RawMessage      `json:"overrideConfig,omitempty"`
	Uploads        []model.FileUpload   `json:"uploads,omitempty"`
	LeadEmail      string               `json:"leadEmail,omitempty"`
	Action         *model.MessageAction `json:"action,omitempty"`
	Streaming      bool                 `json:"streaming"`
}

// PredictionResponse is the single-shot reply: the complete assistant message
// plus the metadata a streaming turn would have delivered frame by frame.
type PredictionResponse struct {
	Text            string             `json:"text"`
	ConversationID  string             `json:"chatId"`
	MessageID       string             `json:"chatMessageId"`
	Question        string             `json:"question"`
	SourceDocuments json.RawMessage    `json:"sourceDocuments,omitempty"`
	UsedTools       json.RawMessage    `json:"usedTools,omitempty"`
	FileAnnotations json.RawMessage    `json:"fileAnnotations,omitempty"`
	AgentReasoning  json.RawMessage    `json:"agentReasoning,omitempty"`
	Action          json.RawMessage    `json:"action,omitempty"`
	Artifacts       []model.FileUpload `json:"artifacts,omitempty"`
}

// IsStreamingAvailable probes the flow's streaming capability. Fetched once
// per mount to choose between the streaming and single-shot paths.
func (p *PredictionUsecase) IsStreamingAvailable(ctx context.Context) (bool, error) {
	endpoint, err := url.JoinPath(p.flowCfg.APIHost, "/api/v1/chatflows-streaming", p.flowCfg.FlowID)
	if err != nil {
		return false, fmt.Errorf("failed to build probe endpoint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var capability struct {
		IsStreaming bool `json:"isStreaming"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&capability); err != nil {
		return false, fmt.Errorf("failed to decode probe response: %w", err)
	}
	return capability.IsStreaming, nil
}

// QueryStreaming opens the prediction call as a long-lived event channel.
// The caller owns the returned body and must close it; closing it (or
// cancelling ctx) tears the channel down.
func (p *PredictionUsecase) QueryStreaming(ctx context.Context, predReq PredictionRequest) (io.ReadCloser, error) {
	predReq.Streaming = true
	req, err := p.buildPredictionRequest(ctx, predReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Query performs the single request/response prediction call.
func (p *PredictionUsecase) Query(ctx context.Context, predReq PredictionRequest) (PredictionResponse, error) {
	predReq.Streaming = false
	req, err := p.buildPredictionRequest(ctx, predReq)
	if err != nil {
		return PredictionResponse{}, err
	}
	resp, err := p.do(req)
	if err != nil {
		return PredictionResponse{}, err
	}
	defer resp.Body.Close()

	var predResp PredictionResponse
	if err = json.NewDecoder(resp.Body).Decode(&predResp); err != nil {
		return PredictionResponse{}, fmt.Errorf("failed to decode prediction response: %w", err)
	}
	return predResp, nil
}

// UploadAttachments pushes raw files through the multipart side-channel keyed
// by conversation id, then waits the settle interval: the server indexes the
// files asynchronously and publishes no completion signal. Returns the
// metadata descriptors to reference from the primary request.
func (p *PredictionUsecase) UploadAttachments(
	ctx context.Context, conversationID string, previews []model.AttachmentPreview,
) ([]model.FileUpload, error) {
	endpoint, err := url.JoinPath(p.flowCfg.APIHost, "/api/v1/attachments", p.flowCfg.FlowID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to build attachments endpoint: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, preview := range previews {
		part, err := writer.CreateFormFile("files", preview.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file %s: %w", preview.Name, err)
		}
		_, data, err := datauri.Parse(preview.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %s: %w", preview.Name, err)
		}
		if _, err = part.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write form file %s: %w", preview.Name, err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build attachments request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err = p.settleWait(ctx); err != nil {
		return nil, err
	}

	uploads := make([]model.FileUpload, 0, len(previews))
	for _, preview := range previews {
		uploads = append(
			uploads, model.FileUpload{
				Type: model.UploadTypeFileFull,
				Name: preview.Name,
				Mime: preview.Mime,
			},
		)
	}
	return uploads, nil
}

type leadSubmission struct {
	FlowID         string `json:"chatflowid"`
	ConversationID string `json:"chatId"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

// SubmitLead reports a completed lead-capture form to the flow service.
func (p *PredictionUsecase) SubmitLead(ctx context.Context, conversationID string, lead model.Lead) error {
	endpoint, err := url.JoinPath(p.flowCfg.APIHost, "/api/v1/leads")
	if err != nil {
		return fmt.Errorf("failed to build leads endpoint: %w", err)
	}
	body, err := json.Marshal(
		leadSubmission{
			FlowID:         p.flowCfg.FlowID,
			ConversationID: conversationID,
			Name:           lead.Name,
			Email:          lead.Email,
			Phone:          lead.Phone,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to marshal lead: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build lead request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *PredictionUsecase) buildPredictionRequest(ctx context.Context, predReq PredictionRequest) (*http.Request, error) {
	endpoint, err := url.JoinPath(p.flowCfg.APIHost, "/api/v1/prediction", p.flowCfg.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction endpoint: %w", err)
	}
	body, err := json.Marshal(predReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *PredictionUsecase) do(req *http.Request) (*http.Response, error) {
	if p.RequestHook != nil {
		if err := p.RequestHook(req); err != nil {
			return nil, fmt.Errorf("request hook rejected request: %w", err)
		}
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("call to %s failed with status %d: %s", req.URL.Path, resp.StatusCode, detail)
	}
	return resp, nil
}

func (p *PredictionUsecase) settleWait(ctx context.Context) error {
	if p.cfg.UploadSettleInterval <= 0 {
		return nil
	}
	timer := time.NewTimer(p.cfg.UploadSettleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
