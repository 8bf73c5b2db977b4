// Package generate calls the external generation provider that turns
// approved reviewer feedback into revised document content. The provider is
// opaque to the rest of the system: feedback context plus current content in,
// revised content out.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the generation provider over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a generation client for the given endpoint. An empty token
// disables the Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type reviseRequest struct {
	FeedbackContext string `json:"feedbackContext"`
	Content         string `json:"content"`
}

type reviseResponse struct {
	Content string `json:"content"`
}

// Revise submits the formatted feedback context and the current document
// content and returns the provider's revised content.
func (c *Client) Revise(ctx context.Context, feedbackContext, content string) (string, error) {
	payload, err := json.Marshal(reviseRequest{
		FeedbackContext: feedbackContext,
		Content:         content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal revise request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/revisions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build revise request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generation provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generation provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed reviseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode revise response: %w", err)
	}
	if strings.TrimSpace(parsed.Content) == "" {
		return "", fmt.Errorf("generation provider returned empty content")
	}
	return parsed.Content, nil
}
