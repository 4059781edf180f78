package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"virlaw/internal/models"
)

// ErrNoResponse reports that the request never produced an HTTP response:
// the endpoint was unreachable or timed out.
var ErrNoResponse = errors.New("no response from AI endpoint")

// StatusError is a non-2xx response from the endpoint. Message carries
// the {"error": ...} body field when the endpoint supplied one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("AI endpoint returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("AI endpoint returned %d", e.Code)
}

const endpointPath = "/gemini-rag"

// Client talks to the external AI inference endpoint. It is pure
// transport; the send pipeline owns the user-visible phrasing of
// failures.
type Client struct {
	baseURL string
	hc      *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

type askResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Ask sends the prompt (JSON mode) or the prompt plus the attached file
// (multipart mode) and returns the single reply text.
func (c *Client) Ask(ctx context.Context, prompt string, file *models.FileUpload) (string, error) {
	var (
		body        io.Reader
		contentType string
	)
	if file != nil {
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		if err := writer.WriteField("prompt", prompt); err != nil {
			return "", fmt.Errorf("write prompt field: %w", err)
		}
		part, err := writer.CreateFormFile("file", file.Name)
		if err != nil {
			return "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(file.Content); err != nil {
			return "", fmt.Errorf("write file part: %w", err)
		}
		if err := writer.Close(); err != nil {
			return "", fmt.Errorf("finalize multipart body: %w", err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	} else {
		payload, err := json.Marshal(askRequest{Prompt: prompt})
		if err != nil {
			return "", fmt.Errorf("marshal prompt: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpointPath, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode}
		var decoded askResponse
		if err := json.Unmarshal(raw, &decoded); err == nil {
			statusErr.Message = decoded.Error
		}
		return "", statusErr
	}

	var decoded askResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return decoded.Response, nil
}
