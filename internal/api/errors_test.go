package api_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/voiceclone/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFieldsSortsByName(t *testing.T) {
	t.Parallel()

	got := api.FormatFields(map[string][]string{
		"username": {"A user with that username already exists."},
		"email":    {"Enter a valid email address.", "Required."},
	})

	assert.Equal(t, "email: Enter a valid email address. Required.\nusername: A user with that username already exists.", got)
}

func TestRequestErrorHelpers(t *testing.T) {
	t.Parallel()

	reqErr := &api.RequestError{
		Op:         "POST /api/text-to-speech",
		Kind:       api.KindPayloadTooLarge,
		StatusCode: 413,
		Message:    "Text too long",
	}

	wrapped := fmt.Errorf("synthesize: %w", reqErr)

	assert.Equal(t, api.KindPayloadTooLarge, api.KindOf(wrapped))
	assert.Equal(t, 413, api.StatusOf(wrapped))
	assert.Equal(t, "Text too long", api.MessageOf(wrapped, "fallback"))
	assert.Equal(t, "POST /api/text-to-speech: status=413: Text too long", reqErr.Error())

	plain := errors.New("boom")

	assert.Equal(t, api.KindUnknown, api.KindOf(plain))
	assert.Equal(t, 0, api.StatusOf(plain))
	assert.Equal(t, "fallback", api.MessageOf(plain, "fallback"))
	assert.Equal(t, "payload too large", api.KindPayloadTooLarge.String())
	assert.Equal(t, "kind(99)", api.Kind(99).String())
}

func TestEncodeMultipartWritesEveryFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sample-1.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF-one"), 0o600))

	body, contentType, err := api.EncodeMultipart([]api.FormFile{
		{Field: "audio", Path: path},
		{Field: "audio", FileName: "sample-2.wav", Content: strings.NewReader("RIFF-two")},
	}, map[string]string{"language": "en"})
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	var names, contents []string

	fields := make(map[string]string)

	for {
		part, partErr := reader.NextPart()
		if errors.Is(partErr, io.EOF) {
			break
		}

		require.NoError(t, partErr)

		data, readErr := io.ReadAll(part)
		require.NoError(t, readErr)

		if part.FileName() == "" {
			fields[part.FormName()] = string(data)

			continue
		}

		assert.Equal(t, "audio", part.FormName())
		names = append(names, part.FileName())
		contents = append(contents, string(data))
	}

	assert.Equal(t, []string{"sample-1.wav", "sample-2.wav"}, names)
	assert.Equal(t, []string{"RIFF-one", "RIFF-two"}, contents)
	assert.Equal(t, map[string]string{"language": "en"}, fields)
}

func TestEncodeMultipartMissingFile(t *testing.T) {
	t.Parallel()

	_, _, err := api.EncodeMultipart([]api.FormFile{
		{Field: "audio", Path: filepath.Join(t.TempDir(), "missing.wav")},
	}, nil)
	require.Error(t, err)
}
