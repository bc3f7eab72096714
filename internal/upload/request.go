package upload

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
)

// Form field names of the collection endpoint.
const (
	FieldAPIKey  = "api_key"
	FieldUserKey = "user_key"
	FieldFile    = "file"
)

// Payload is one upload: the full event document of a participant.
type Payload struct {
	APIKey   string
	UserKey  string
	Filename string
	Document []byte
}

// NewRequest builds the multipart POST for a payload.
func NewRequest(ctx context.Context, endpoint string, p Payload) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField(FieldAPIKey, p.APIKey); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", FieldAPIKey, err)
	}
	if err := w.WriteField(FieldUserKey, p.UserKey); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", FieldUserKey, err)
	}

	// CreateFormFile sets Content-Type: application/octet-stream
	part, err := w.CreateFormFile(FieldFile, p.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(p.Document); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}
