package api

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// FormFile is one file part of a multipart payload.
type FormFile struct {
	Field    string
	FileName string
	// Path is read when Content is nil.
	Path    string
	Content io.Reader
}

// EncodeMultipart builds a multipart/form-data body in memory so that its
// length is known up front for progress reporting and can be re-sent on retry.
func EncodeMultipart(files []FormFile, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	for _, file := range files {
		err := writeFormFile(writer, file)
		if err != nil {
			return nil, "", err
		}
	}

	for name, value := range fields {
		err := writer.WriteField(name, value)
		if err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", name, err)
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

func writeFormFile(writer *multipart.Writer, file FormFile) error {
	content := file.Content
	name := file.FileName

	if content == nil {
		opened, err := os.Open(file.Path)
		if err != nil {
			return fmt.Errorf("failed to open audio file: %w", err)
		}
		defer opened.Close()

		content = opened
	}

	if name == "" {
		name = filepath.Base(file.Path)
	}

	part, err := writer.CreateFormFile(file.Field, name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = io.Copy(part, content)
	if err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}

	return nil
}
