package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/embedkit/chatsync/config"
	"github.com/embedkit/chatsync/internal/model"
	"github.com/embedkit/chatsync/pkg/datauri"
	"github.com/google/uuid"
)

var (
	ErrAttachmentKindDisabled   = errors.New("attachment kind is not allowed by the upload policy")
	ErrAttachmentMimeNotAllowed = errors.New("attachment mime type is not allowed by the upload policy")
	ErrAttachmentTooLarge       = errors.New("attachment exceeds the allowed size")
)

// AttachmentUsecase encodes raw files and captured audio clips into
// transportable previews and holds them until the turn is submitted. The
// upload policy is consulted before anything is accepted.
type AttachmentUsecase struct {
	cfg      config.Upload
	logger   *slog.Logger
	previews []model.AttachmentPreview
}

func NewAttachmentUsecase(cfg config.Upload, logger *slog.Logger) *AttachmentUsecase {
	return &AttachmentUsecase{
		cfg:    cfg,
		logger: logger,
	}
}

// AddImage registers an inline image preview.
func (a *AttachmentUsecase) AddImage(name, mimeType string, data []byte) (uuid.UUID, error) {
	return a.add(model.AttachmentKindImage, name, mimeType, data, false)
}

// AddAudio registers the encoded result of an audio capture as an inline
// preview; the engine never touches the capture device itself.
func (a *AttachmentUsecase) AddAudio(name, mimeType string, data []byte) (uuid.UUID, error) {
	return a.add(model.AttachmentKindAudio, name, mimeType, data, false)
}

// AddFile registers a raw file. Raw files are not inlined: the submission
// pipeline pushes them through the upload side-channel.
func (a *AttachmentUsecase) AddFile(name, mimeType string, data []byte) (uuid.UUID, error) {
	return a.add(model.AttachmentKindFile, name, mimeType, data, true)
}

// AddURL registers a link attachment.
func (a *AttachmentUsecase) AddURL(link string) (uuid.UUID, error) {
	if !a.cfg.AllowURL {
		return uuid.Nil, ErrAttachmentKindDisabled
	}
	preview := model.AttachmentPreview{
		Handle: uuid.New(),
		Kind:   model.AttachmentKindURL,
		Name:   link,
		Data:   link,
	}
	a.previews = append(a.previews, preview)
	return preview.Handle, nil
}

// Remove destroys one preview. Unknown handles are ignored.
func (a *AttachmentUsecase) Remove(handle uuid.UUID) {
	for i, preview := range a.previews {
		if preview.Handle == handle {
			a.previews = append(a.previews[:i], a.previews[i+1:]...)
			return
		}
	}
}

// Previews returns a copy of the pending previews.
func (a *AttachmentUsecase) Previews() []model.AttachmentPreview {
	previews := make([]model.AttachmentPreview, len(a.previews))
	copy(previews, a.previews)
	return previews
}

// Drain snapshots the pending previews and clears them; the submission
// pipeline takes ownership of the snapshot.
func (a *AttachmentUsecase) Drain() []model.AttachmentPreview {
	previews := a.previews
	a.previews = nil
	return previews
}

// Clear destroys all pending previews.
func (a *AttachmentUsecase) Clear() {
	a.previews = nil
}

func (a *AttachmentUsecase) add(
	kind model.AttachmentKind, name, mimeType string, data []byte, raw bool,
) (uuid.UUID, error) {
	if mimeType == "" {
		mimeType = datauri.DetectMime(name, data)
	}
	if err := a.checkPolicy(kind, mimeType, int64(len(data))); err != nil {
		return uuid.Nil, fmt.Errorf("rejected %s attachment %s: %w", kind, name, err)
	}
	preview := model.AttachmentPreview{
		Handle: uuid.New(),
		Kind:   kind,
		Name:   name,
		Mime:   mimeType,
		Data:   datauri.Encode(mimeType, data),
		Raw:    raw,
	}
	a.previews = append(a.previews, preview)
	a.logger.Debug("registered attachment preview", "kind", kind, "name", name, "mime", mimeType)
	return preview.Handle, nil
}

func (a *AttachmentUsecase) checkPolicy(kind model.AttachmentKind, mimeType string, size int64) error {
	var allowedMimes []string
	var maxBytes int64
	switch kind {
	case model.AttachmentKindImage:
		allowedMimes, maxBytes = a.cfg.ImageMimes, a.cfg.ImageMaxBytes
	case model.AttachmentKindAudio:
		allowedMimes, maxBytes = a.cfg.AudioMimes, a.cfg.AudioMaxBytes
	case model.AttachmentKindFile:
		allowedMimes, maxBytes = a.cfg.FileMimes, a.cfg.FileMaxBytes
	default:
		return ErrAttachmentKindDisabled
	}
	if len(allowedMimes) == 0 {
		return ErrAttachmentKindDisabled
	}
	if !mimeAllowed(allowedMimes, mimeType) {
		return ErrAttachmentMimeNotAllowed
	}
	if maxBytes > 0 && size > maxBytes {
		return ErrAttachmentTooLarge
	}
	return nil
}

func mimeAllowed(allowed []string, mimeType string) bool {
	for _, entry := range allowed {
		if entry == "*" || strings.EqualFold(entry, mimeType) {
			return true
		}
	}
	return false
}
