package datauri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParse(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		payload := []byte{0x89, 0x50, 0x4e, 0x47}
		uri := Encode("image/png", payload)
		assert.Equal(t, "data:image/png;base64,iVBORw==", uri)

		mimeType, data, err := Parse(uri)
		require.NoError(t, err)
		assert.Equal(t, "image/png", mimeType)
		assert.Equal(t, payload, data)
	})

	t.Run("missing scheme", func(t *testing.T) {
		_, _, err := Parse("image/png;base64,aGk=")
		assert.ErrorIs(t, err, ErrInvalidDataURI)
	})

	t.Run("not base64 encoded", func(t *testing.T) {
		_, _, err := Parse("data:text/plain,hello")
		assert.ErrorIs(t, err, ErrInvalidDataURI)
	})

	t.Run("corrupt payload", func(t *testing.T) {
		_, _, err := Parse("data:text/plain;base64,!!!")
		assert.Error(t, err)
	})
}

func TestDetectMime(t *testing.T) {
	t.Run("by extension", func(t *testing.T) {
		assert.Equal(t, "image/png", DetectMime("shot.png", nil))
	})

	t.Run("sniffed from content", func(t *testing.T) {
		assert.Equal(t, "text/plain; charset=utf-8", DetectMime("notes", []byte("plain text")))
	})
}
