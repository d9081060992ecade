package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embedkit/chatsync/config"
	"github.com/embedkit/chatsync/internal/model"
	in_memory "github.com/embedkit/chatsync/internal/storage/in-memory"
	"github.com/embedkit/chatsync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	chat        *ChatUsecase
	messageLog  *MessageLogUsecase
	attachments *AttachmentUsecase
	storage     *in_memory.SessionStorage
}

type chatFixtureOptions struct {
	handler   http.Handler
	streaming bool
	leadCfg   config.LeadCapture
	hooks     Hooks
	onChime   func()
}

func newChatFixture(t *testing.T, opts chatFixtureOptions) *chatFixture {
	t.Helper()
	server := httptest.NewServer(opts.handler)
	t.Cleanup(server.Close)

	flowCfg := config.Flow{
		FlowID:         "flow-1",
		APIHost:        server.URL,
		WelcomeMessage: "Hi there!",
	}
	storage := in_memory.NewSessionStorage()
	messageLog := newTestMessageLog(storage, opts.onChime)
	prediction := NewPredictionUsecase(
		PredictionUsecaseDeps{Logger: logger.NewNop()}, flowCfg, config.Prediction{},
	)
	attachments := NewAttachmentUsecase(permissiveUploadConfig(), logger.NewNop())
	chat := NewChatUsecase(
		ChatUsecaseDeps{
			MessageLog:  messageLog,
			Stream:      newTestStream(messageLog),
			Prediction:  prediction,
			Attachments: attachments,
			Leads:       storage,
			Logger:      logger.NewNop(),
			Hooks:       opts.hooks,
		}, flowCfg, opts.leadCfg, opts.streaming, nil,
	)
	return &chatFixture{
		chat:        chat,
		messageLog:  messageLog,
		attachments: attachments,
		storage:     storage,
	}
}

func sseHandler(frames ...[2]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse(frames...))
	}
}

func TestChatUsecase_Submit_Streaming(t *testing.T) {
	var statuses []model.TurnStatus
	composerResets := 0
	fixture := newChatFixture(
		t, chatFixtureOptions{
			handler: sseHandler(
				[2]string{"start", `""`},
				[2]string{"token", `"Hel"`},
				[2]string{"token", `"lo"`},
				[2]string{"metadata", `{"chatId":"conv-2","chatMessageId":"msg-1"}`},
				[2]string{"end", `""`},
			),
			streaming: true,
			hooks: Hooks{
				OnStatusChanged: func(s model.TurnStatus) { statuses = append(statuses, s) },
				OnComposerReset: func() { composerResets++ },
			},
		},
	)

	require.NoError(t, fixture.chat.Submit(context.Background(), "hello", nil))

	messages := fixture.messageLog.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, model.RoleUser, messages[1].Role)
	assert.Equal(t, "hello", messages[1].Text)
	assert.Equal(t, model.RoleAssistant, messages[2].Role)
	assert.Equal(t, "Hello", messages[2].Text)
	assert.Equal(t, "msg-1", messages[2].MessageID)
	assert.Equal(t, "conv-2", fixture.messageLog.Session().ConversationID)

	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
	assert.Equal(
		t, []model.TurnStatus{
			model.TurnStatusSending,
			model.TurnStatusStreaming,
			model.TurnStatusDone,
			model.TurnStatusIdle,
		}, statuses,
	)
	assert.Equal(t, 1, composerResets)
}

func TestChatUsecase_Submit_Legality(t *testing.T) {
	minimalStream := sseHandler([2]string{"start", `""`}, [2]string{"token", `"ok"`}, [2]string{"end", `""`})

	t.Run("empty text without attachments", func(t *testing.T) {
		fixture := newChatFixture(t, chatFixtureOptions{handler: minimalStream, streaming: true})
		err := fixture.chat.Submit(context.Background(), "   ", nil)
		assert.ErrorIs(t, err, ErrEmptySubmission)
		assert.Len(t, fixture.messageLog.Messages(), 1)
		assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
	})

	t.Run("empty text with an image", func(t *testing.T) {
		fixture := newChatFixture(t, chatFixtureOptions{handler: minimalStream, streaming: true})
		_, err := fixture.attachments.AddImage("shot.png", "image/png", []byte("png"))
		require.NoError(t, err)

		require.NoError(t, fixture.chat.Submit(context.Background(), "", nil))
		messages := fixture.messageLog.Messages()
		require.Len(t, messages, 3)
		assert.Empty(t, messages[1].Text)
		require.Len(t, messages[1].FileUploads, 1)
	})

	t.Run("empty text with only a document", func(t *testing.T) {
		fixture := newChatFixture(t, chatFixtureOptions{handler: minimalStream, streaming: true})
		_, err := fixture.attachments.AddFile("report.pdf", "application/pdf", []byte("pdf"))
		require.NoError(t, err)

		err = fixture.chat.Submit(context.Background(), "", nil)
		assert.ErrorIs(t, err, ErrEmptySubmission)
		// the rejected submission keeps its previews for the next attempt
		assert.Len(t, fixture.attachments.Previews(), 1)
	})
}

func TestChatUsecase_Submit_RawFileUploads(t *testing.T) {
	var received PredictionRequest
	uploadsCalled := false

	mux := http.NewServeMux()
	mux.HandleFunc(
		"/api/v1/attachments/", func(w http.ResponseWriter, r *http.Request) {
			uploadsCalled = true
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Len(t, r.MultipartForm.File["files"], 1)
			fmt.Fprint(w, `[]`)
		},
	)
	mux.HandleFunc(
		"/api/v1/prediction/", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse([2]string{"start", `""`}, [2]string{"token", `"ok"`}, [2]string{"end", `""`}))
		},
	)

	fixture := newChatFixture(t, chatFixtureOptions{handler: mux, streaming: true})
	_, err := fixture.attachments.AddImage("shot.png", "image/png", []byte("png"))
	require.NoError(t, err)
	_, err = fixture.attachments.AddFile("report.pdf", "application/pdf", []byte("pdf"))
	require.NoError(t, err)

	require.NoError(t, fixture.chat.Submit(context.Background(), "see these", nil))

	assert.True(t, uploadsCalled)
	require.Len(t, received.Uploads, 2)
	assert.Equal(t, model.UploadTypeFile, received.Uploads[0].Type)
	assert.NotEmpty(t, received.Uploads[0].Data)
	assert.Equal(t, model.UploadTypeFileFull, received.Uploads[1].Type)
	assert.Empty(t, received.Uploads[1].Data)

	// the settled log keeps metadata only
	messages := fixture.messageLog.Messages()
	require.Len(t, messages[1].FileUploads, 2)
	assert.Empty(t, messages[1].FileUploads[0].Data)
	assert.Empty(t, fixture.attachments.Previews())
}

func TestChatUsecase_Submit_UploadFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/api/v1/attachments/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "index full", http.StatusInternalServerError)
		},
	)
	mux.HandleFunc(
		"/api/v1/prediction/", func(w http.ResponseWriter, r *http.Request) {
			t.Error("prediction must not run after a failed upload")
		},
	)

	fixture := newChatFixture(t, chatFixtureOptions{handler: mux, streaming: true})
	_, err := fixture.attachments.AddFile("report.pdf", "application/pdf", []byte("pdf"))
	require.NoError(t, err)

	require.NoError(t, fixture.chat.Submit(context.Background(), "see this", nil))

	messages := fixture.messageLog.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, "see this", messages[1].Text)
	assert.Equal(t, MessageUploadFailedError, messages[2].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
	assert.Empty(t, fixture.attachments.Previews())
}

func TestChatUsecase_Submit_ErrorFrame(t *testing.T) {
	fixture := newChatFixture(
		t, chatFixtureOptions{
			handler: sseHandler(
				[2]string{"start", `""`},
				[2]string{"token", `"partial"`},
				[2]string{"error", `{"message":"flow is overloaded"}`},
			),
			streaming: true,
		},
	)

	require.NoError(t, fixture.chat.Submit(context.Background(), "hello", nil))

	messages := fixture.messageLog.Messages()
	require.Len(t, messages, 4)
	assert.Equal(t, "partial", messages[2].Text)
	assert.Equal(t, "flow is overloaded", messages[3].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
}

func TestChatUsecase_Submit_TransportDrop(t *testing.T) {
	fixture := newChatFixture(
		t, chatFixtureOptions{
			handler:   sseHandler([2]string{"start", `""`}, [2]string{"token", `"half"`}),
			streaming: true,
		},
	)

	require.NoError(t, fixture.chat.Submit(context.Background(), "hello", nil))

	messages := fixture.messageLog.Messages()
	assert.Equal(t, MessageServerError, messages[len(messages)-1].Text)
	assert.Equal(t, "half", messages[len(messages)-2].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
}

func TestChatUsecase_Abort(t *testing.T) {
	firstToken := make(chan struct{}, 1)
	handler := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse([2]string{"start", `""`}, [2]string{"token", `"par"`}))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		},
	)

	fixture := newChatFixture(
		t, chatFixtureOptions{
			handler:   handler,
			streaming: true,
			onChime:   func() { firstToken <- struct{}{} },
		},
	)

	done := make(chan error, 1)
	go func() { done <- fixture.chat.Submit(context.Background(), "hello", nil) }()

	select {
	case <-firstToken:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never delivered a token")
	}

	assert.ErrorIs(t, fixture.chat.Submit(context.Background(), "again", nil), ErrTurnInFlight)

	fixture.chat.Abort()
	fixture.chat.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("submit never returned after abort")
	}

	messages := fixture.messageLog.Messages()
	assert.Equal(t, "par", messages[len(messages)-1].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())

	// safe once the turn is over
	fixture.chat.Abort()
}

func TestChatUsecase_Abort_UnblocksStalledTransport(t *testing.T) {
	release := make(chan struct{})
	firstToken := make(chan struct{}, 1)
	handler := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse([2]string{"start", `""`}, [2]string{"token", `"stal"`}))
			w.(http.Flusher).Flush()
			// stall without watching the request context; only the client
			// tearing the connection down ends this turn
			<-release
		},
	)

	fixture := newChatFixture(
		t, chatFixtureOptions{
			handler:   handler,
			streaming: true,
			onChime:   func() { firstToken <- struct{}{} },
		},
	)
	t.Cleanup(func() { close(release) })

	done := make(chan error, 1)
	go func() { done <- fixture.chat.Submit(context.Background(), "hello", nil) }()

	select {
	case <-firstToken:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never delivered a token")
	}

	fixture.chat.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("submit stayed blocked on the stalled transport")
	}

	messages := fixture.messageLog.Messages()
	assert.Equal(t, "stal", messages[len(messages)-1].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
}

func TestChatUsecase_Submit_SingleShot(t *testing.T) {
	handler := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var req PredictionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Streaming)
			fmt.Fprint(
				w, `{
					"text": "the weather is sunny",
					"chatId": "conv-2",
					"chatMessageId": "msg-1",
					"question": "what is the weather",
					"agentReasoning": [{"agentName":"planner"}]
				}`,
			)
		},
	)

	fixture := newChatFixture(t, chatFixtureOptions{handler: handler, streaming: false})
	_, err := fixture.attachments.AddAudio("clip.webm", "audio/webm", []byte("voice"))
	require.NoError(t, err)

	require.NoError(t, fixture.chat.Submit(context.Background(), "", nil))

	messages := fixture.messageLog.Messages()
	require.Len(t, messages, 3)
	// the server transcription backfills the voice-only turn
	assert.Equal(t, "what is the weather", messages[1].Text)
	assert.Equal(t, "the weather is sunny", messages[2].Text)
	assert.Equal(t, "msg-1", messages[2].MessageID)
	require.Len(t, messages[2].AgentReasoning, 1)
	assert.Equal(t, "planner", messages[2].AgentReasoning[0].AgentName)
	assert.Equal(t, "conv-2", fixture.messageLog.Session().ConversationID)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
}

func TestChatUsecase_Submit_SingleShotFailure(t *testing.T) {
	handler := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		},
	)
	fixture := newChatFixture(t, chatFixtureOptions{handler: handler, streaming: false})

	require.NoError(t, fixture.chat.Submit(context.Background(), "hello", nil))

	messages := fixture.messageLog.Messages()
	assert.Equal(t, MessageServerError, messages[len(messages)-1].Text)
	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
}

func TestChatUsecase_ClearConversation(t *testing.T) {
	minimalStream := sseHandler([2]string{"start", `""`}, [2]string{"token", `"ok"`}, [2]string{"end", `""`})

	t.Run("lead prompt while no lead recorded", func(t *testing.T) {
		fixture := newChatFixture(
			t, chatFixtureOptions{
				handler:   minimalStream,
				streaming: true,
				leadCfg:   config.LeadCapture{Status: true},
			},
		)
		require.NoError(t, fixture.chat.Submit(context.Background(), "hello", nil))
		previous := fixture.messageLog.Session().ConversationID

		require.NoError(t, fixture.chat.ClearConversation(context.Background()))

		messages := fixture.messageLog.Messages()
		require.Len(t, messages, 2)
		assert.Equal(t, "Hi there!", messages[0].Text)
		assert.Equal(t, model.RoleLeadCapture, messages[1].Role)
		assert.NotEqual(t, previous, fixture.messageLog.Session().ConversationID)
	})

	t.Run("no prompt once the lead is recorded", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/leads", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{}`) })
		fixture := newChatFixture(
			t, chatFixtureOptions{
				handler:   mux,
				streaming: true,
				leadCfg:   config.LeadCapture{Status: true, RequiredFields: []string{"email"}},
			},
		)
		lead := model.Lead{Email: "ada@example.com"}
		require.NoError(t, fixture.chat.SaveLead(context.Background(), lead))

		require.NoError(t, fixture.chat.ClearConversation(context.Background()))

		messages := fixture.messageLog.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, "Hi there!", messages[0].Text)
	})
}

func TestChatUsecase_SaveLead(t *testing.T) {
	t.Run("missing required field", func(t *testing.T) {
		fixture := newChatFixture(
			t, chatFixtureOptions{
				handler:   http.NewServeMux(),
				streaming: true,
				leadCfg:   config.LeadCapture{Status: true, RequiredFields: []string{"name", "email"}},
			},
		)
		err := fixture.chat.SaveLead(context.Background(), model.Lead{Name: "Ada"})
		assert.ErrorIs(t, err, ErrLeadFieldMissing)
	})

	t.Run("recorded and persisted", func(t *testing.T) {
		submitted := false
		mux := http.NewServeMux()
		mux.HandleFunc(
			"/api/v1/leads", func(w http.ResponseWriter, r *http.Request) {
				submitted = true
				fmt.Fprint(w, `{}`)
			},
		)
		fixture := newChatFixture(
			t, chatFixtureOptions{
				handler:   mux,
				streaming: true,
				leadCfg:   config.LeadCapture{Status: true, RequiredFields: []string{"email"}},
			},
		)
		lead := model.Lead{Name: "Ada", Email: "ada@example.com"}
		require.NoError(t, fixture.chat.SaveLead(context.Background(), lead))

		assert.True(t, submitted)
		stored, err := fixture.storage.GetLead(context.Background(), "flow-1")
		require.NoError(t, err)
		assert.Equal(t, lead, stored)
	})
}

func TestChatUsecase_Compose(t *testing.T) {
	fixture := newChatFixture(t, chatFixtureOptions{handler: http.NewServeMux(), streaming: true})

	assert.Equal(t, model.TurnStatusIdle, fixture.chat.Status())
	fixture.chat.Compose()
	assert.Equal(t, model.TurnStatusComposing, fixture.chat.Status())
	fixture.chat.Compose()
	assert.Equal(t, model.TurnStatusComposing, fixture.chat.Status())
}
