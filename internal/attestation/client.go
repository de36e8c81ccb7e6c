package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRejected means the attestation authority refused the signed payload.
// Challenges are single-use, so a rejected verify is terminal for the request.
var ErrRejected = errors.New("attestation response rejected")

// deprecated string form of the device signals; stripped before the claims
// are persisted anywhere.
const deprecatedSignalField = "deviceSignal"

type Claims struct {
	SerialNumber string
	Hostname     string
	Attributes   map[string]any
}

// Client talks to a Verified Access style attestation service: one call to
// mint a fresh single-use challenge, one to verify the agent-signed response.
type Client struct {
	baseURL string
	http    *http.Client
	retries int
}

func NewClient(baseURL string, timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retries: retries,
	}
}

// GenerateChallenge mints a fresh challenge. Generation is idempotent on the
// service side, so transient failures are retried within the budget.
func (c *Client) GenerateChallenge(ctx context.Context) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		challenge, err := c.post(ctx, "/challenge:generate", nil)
		if err == nil {
			return challenge, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generate challenge: %w", lastErr)
}

// VerifyChallengeResponse verifies the signed payload. No retries: the
// challenge inside is single-use.
func (c *Client) VerifyChallengeResponse(ctx context.Context, payload json.RawMessage) (Claims, error) {
	body, err := c.post(ctx, "/challenge:verify", payload)
	if err != nil {
		return Claims{}, err
	}

	var attributes map[string]any
	if err := json.Unmarshal(body, &attributes); err != nil {
		return Claims{}, fmt.Errorf("decode verify response: %w", err)
	}
	delete(attributes, deprecatedSignalField)

	serial, _ := attributes["serialNumber"].(string)
	hostname, _ := attributes["hostname"].(string)
	if serial == "" {
		return Claims{}, fmt.Errorf("%w: missing serialNumber", ErrRejected)
	}

	return Claims{
		SerialNumber: serial,
		Hostname:     hostname,
		Attributes:   attributes,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation service status %d", resp.StatusCode)
	}
	return data, nil
}
