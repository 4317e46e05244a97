// Package vps is the client for the authoritative remote job/user store.
// Requests are HMAC-signed: timestamp, nonce, method, path and a body hash
// are concatenated and signed with the shared secret; the signature travels
// in headers alongside the timestamp and nonce.
package vps

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for 404s so callers can tell "no such user"
	// apart from a transport failure.
	ErrNotFound = errors.New("vps: not found")
	// ErrConflict is returned for 409s, e.g. marking an already-paid job paid.
	ErrConflict = errors.New("vps: conflict")
)

const (
	headerSignature = "X-Auth-Signature"
	headerTimestamp = "X-Auth-Timestamp"
	headerNonce     = "X-Auth-Nonce"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client

	secret []byte
	now    func() time.Time
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// Sign computes the request signature over
// timestamp \n nonce \n METHOD \n path \n hex(sha256(body)).
func Sign(secret []byte, timestamp, nonce, method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n%s", timestamp, nonce, method, path, hex.EncodeToString(bodyHash[:]))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("vps: encode %s %s: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vps: %s %s: %w", method, path, err)
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, Sign(c.secret, ts, nonce, method, path, body))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vps: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("vps: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vps: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) PendingJobs(ctx context.Context) ([]Job, error) {
	var out []Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/pending", nil, &out)
	return out, err
}

// ClaimJobs claims a batch of job ids. The store arbitrates double claims:
// only ids in the returned Claimed set belong to this process.
func (c *Client) ClaimJobs(ctx context.Context, ids []string) (ClaimResult, error) {
	var out ClaimResult
	err := c.do(ctx, http.MethodPost, "/api/jobs/claim", map[string][]string{"ids": ids}, &out)
	return out, err
}

func (c *Client) PatchJob(ctx context.Context, id string, patch JobPatch) error {
	return c.do(ctx, http.MethodPatch, "/api/jobs/"+id, patch, nil)
}

func (c *Client) DebtBalance(ctx context.Context, pubkey string) (int64, error) {
	var out struct {
		BalanceSats int64 `json:"balance_sats"`
	}
	err := c.do(ctx, http.MethodGet, "/api/users/"+pubkey+"/debt", nil, &out)
	return out.BalanceSats, err
}

func (c *Client) ActiveJobs(ctx context.Context, pubkey string) ([]Job, error) {
	var out []Job
	err := c.do(ctx, http.MethodGet, "/api/users/"+pubkey+"/jobs/active", nil, &out)
	return out, err
}

func (c *Client) UserByPubkey(ctx context.Context, pubkey string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/api/users/"+pubkey, nil, &out)
	return out, err
}

func (c *Client) CreateInvoice(ctx context.Context, jobID string) (Invoice, error) {
	var out Invoice
	err := c.do(ctx, http.MethodPost, "/api/invoices", map[string]string{"job_id": jobID}, &out)
	return out, err
}

// MarkJobPaid records a settled payment. Returns ErrConflict when the job is
// already paid; callers treat that as success.
func (c *Client) MarkJobPaid(ctx context.Context, jobID string, amountSats int64, payerPubkey string) error {
	in := map[string]any{"amount_sats": amountSats, "payer_pubkey": payerPubkey}
	return c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/paid", in, nil)
}

func (c *Client) PendingInvites(ctx context.Context) ([]Invite, error) {
	var out []Invite
	err := c.do(ctx, http.MethodGet, "/api/invites/pending", nil, &out)
	return out, err
}

func (c *Client) AckInvite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/invites/"+id+"/ack", nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeat", nil, nil)
}
