package model

import "github.com/google/uuid"

type AttachmentKind string

const (
	AttachmentKindImage = AttachmentKind("image")
	AttachmentKindAudio = AttachmentKind("audio")
	AttachmentKindFile  = AttachmentKind("file")
	AttachmentKindURL   = AttachmentKind("url")
)

// Upload types the prediction endpoint understands.
const (
	UploadTypeFile     = "file"
	UploadTypeFileFull = "file:full"
	UploadTypeAudio    = "audio"
	UploadTypeURL      = "url"
)

// FileUpload is an attachment descriptor as it travels in requests and in the
// conversation log. Data carries the full encoded payload (a data URI) while
// the attachment is in flight; the persisted form keeps metadata only.
type FileUpload struct {
	Data string `json:"data,omitempty"`
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
}

// Sanitized returns the metadata-only form of the descriptor.
func (f FileUpload) Sanitized() FileUpload {
	return FileUpload{
		Type: f.Type,
		Name: f.Name,
		Mime: f.Mime,
	}
}

// AttachmentPreview is the transient, compose-time representation of an
// attachment. It exists between "user adds attachment" and "turn submitted"
// and is destroyed on submission or explicit removal.
type AttachmentPreview struct {
	Handle uuid.UUID
	Kind   AttachmentKind
	Name   string
	Mime   string
	// Data holds the encoded payload (a data URI), or the plain link for
	// url-kind attachments.
	Data string
	// Raw marks attachments that must go through the upload side-channel
	// instead of being inlined into the prediction request.
	Raw bool
}
