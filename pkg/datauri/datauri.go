package datauri

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// Encode wraps raw bytes into a base64 data URI with the given mime type.
func Encode(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// Parse splits a base64 data URI back into its mime type and raw bytes.
func Parse(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, ErrInvalidDataURI
	}
	meta, payload, found := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrInvalidDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data uri payload: %w", err)
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// DetectMime resolves a mime type from the file name extension, falling back
// to content sniffing when the extension is unknown.
func DetectMime(name string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return http.DetectContentType(data)
}
