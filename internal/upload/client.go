// Package upload sends recorded voice-message blobs to the backend and
// returns the playable URL for the resulting file.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		AuthToken: authToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // audio blobs can be a few MB
		},
	}
}

type uploadResponse struct {
	Filename string `json:"filename"`
}

// Upload posts the blob as multipart field "file" to /upload and returns the
// URL under /uploads/ where the file is served.
func (c *Client) Upload(ctx context.Context, filename string, blob io.Reader) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("upload: no base url configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("upload: build form: %w", err)
	}
	if _, err := io.Copy(part, blob); err != nil {
		return "", fmt.Errorf("upload: read blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("upload: status %s", resp.Status)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("upload: decode response: %w", err)
	}
	if ur.Filename == "" {
		return "", fmt.Errorf("upload: response missing filename")
	}

	return c.BaseURL + "/uploads/" + ur.Filename, nil
}
