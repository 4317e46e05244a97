// Package agent talks to the remote browser-automation agent. The agent's
// internals are out of scope; this is the dispatch/relay/abort surface plus
// the callback payloads it posts back.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"unsub/internal/auth"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  *auth.JWT
}

func NewClient(baseURL string, tokens *auth.JWT) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Tokens:  tokens,
	}
}

// DispatchRequest starts an automation run with the credentials it needs.
type DispatchRequest struct {
	JobID       string            `json:"job_id"`
	UserPubkey  string            `json:"user_pubkey"`
	Service     string            `json:"service"`
	Action      string            `json:"action"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, in any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agent: encode %s: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: %s: %w", path, err)
	}
	tok, err := c.Tokens.Sign(auth.SubjectAgent, time.Minute)
	if err != nil {
		return fmt.Errorf("agent: token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("agent: %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	return nil
}

func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	return c.post(ctx, "/jobs", req)
}

func (c *Client) RelayOTP(ctx context.Context, jobID, code string) error {
	return c.post(ctx, "/jobs/"+jobID+"/otp", map[string]string{"code": code})
}

func (c *Client) RelayCredential(ctx context.Context, jobID, name, value string) error {
	return c.post(ctx, "/jobs/"+jobID+"/credential", map[string]string{"name": name, "value": value})
}

func (c *Client) Abort(ctx context.Context, jobID string) error {
	return c.post(ctx, "/jobs/"+jobID+"/abort", nil)
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("agent: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: health: status %d", resp.StatusCode)
	}
	return nil
}
