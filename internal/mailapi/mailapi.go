// Package mailapi provides the REST client for the upstream mail service.
// It is the single network egress for replayed actions and prefetches;
// every request carries bearer authentication and a bounded timeout.
package mailapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"mailkeep/internal/faults"
	"mailkeep/internal/ratelimit"
)

const (
	// DefaultBaseURL is the mail service API base URL
	DefaultBaseURL = "https://mail.example.com"

	// maxErrorBody caps how much of an error response body is retained
	maxErrorBody = 4096
)

// Config holds mail service connection settings
type Config struct {
	APIToken   string
	BaseURL    string // Override for testing
	UseKeyring bool
	Account    string // Account identifier for keyring lookup
	MaxRetries int
	RetryDelay time.Duration
}

// ConfigFromEnv creates a Config from environment variables
func ConfigFromEnv() Config {
	return Config{
		APIToken: os.Getenv("MAILKEEP_API_TOKEN"),
		BaseURL:  os.Getenv("MAILKEEP_API_BASE_URL"),
	}
}

// Client talks to the mail service REST API
type Client struct {
	config  Config
	client  *http.Client
	limiter *ratelimit.Client
	baseURL string
}

// New creates a new mail service client
func New(cfg Config) (*Client, error) {
	if cfg.APIToken == "" && !cfg.UseKeyring {
		return nil, fmt.Errorf("mail service API token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := createHTTPClient()
	limiter := ratelimit.NewClient(ratelimit.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		HTTPClient: httpClient,
	})

	return &Client{
		config:  cfg,
		client:  httpClient,
		limiter: limiter,
		baseURL: baseURL,
	}, nil
}

// createHTTPClient creates an HTTP client with proper configuration
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
	}
}

// Close closes the client
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if transport, ok := c.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// SetToken replaces the API token, e.g. after a keyring lookup
func (c *Client) SetToken(token string) {
	c.config.APIToken = token
}

// StatusError is a non-2xx response from the mail service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mail service returned %d: %s", e.Code, e.Body)
}

// doRequest performs an authenticated mail service request. 429 handling,
// including Retry-After and backoff, lives in the ratelimit client.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	url := c.baseURL + path

	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, faults.Validation("mailapi.request", err)
		}
	}

	resp, err := c.limiter.Do(ctx, method, url, jsonBody, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
		req.Header.Set("Content-Type", "application/json")
	})
	if err != nil {
		return nil, faults.Network("mailapi.request", err)
	}
	return resp, nil
}

// checkStatus drains and classifies a non-2xx response. Client errors are
// validation faults, server errors are network faults; either way the
// wrapped StatusError carries the code for callers that need it.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Code: resp.StatusCode, Body: string(body)}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return faults.Validation(op, statusErr)
	}
	return faults.Network(op, statusErr)
}

// =============================================================================
// Action Payloads
// =============================================================================

// OutgoingEmail is the payload for sending an email
type OutgoingEmail struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// ReadFlag is the payload for marking an email read or unread
type ReadFlag struct {
	EmailID string `json:"email_id"`
	Read    bool   `json:"read"`
}

// StarFlag is the payload for starring or unstarring an email
type StarFlag struct {
	EmailID string `json:"email_id"`
	Starred bool   `json:"starred"`
}

// EmailRef identifies an email for deletion
type EmailRef struct {
	EmailID string `json:"email_id"`
}

// Draft is the payload for saving a draft
type Draft struct {
	DraftID string   `json:"draft_id,omitempty"`
	To      []string `json:"to,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// =============================================================================
// Mail Operations
// =============================================================================

// SendEmail submits an outgoing email
func (c *Client) SendEmail(ctx context.Context, msg OutgoingEmail) error {
	if len(msg.To) == 0 {
		return faults.Validation("mailapi.send", fmt.Errorf("email has no recipients"))
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/emails/send", msg)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("mailapi.send", resp)
}

// MarkRead sets the read flag on an email
func (c *Client) MarkRead(ctx context.Context, flag ReadFlag) error {
	if flag.EmailID == "" {
		return faults.Validation("mailapi.mark_read", fmt.Errorf("email id is required"))
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/emails/"+flag.EmailID+"/flags", flag)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("mailapi.mark_read", resp)
}

// StarEmail sets the starred flag on an email
func (c *Client) StarEmail(ctx context.Context, flag StarFlag) error {
	if flag.EmailID == "" {
		return faults.Validation("mailapi.star", fmt.Errorf("email id is required"))
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/emails/"+flag.EmailID+"/flags", flag)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("mailapi.star", resp)
}

// DeleteEmail moves an email to trash
func (c *Client) DeleteEmail(ctx context.Context, ref EmailRef) error {
	if ref.EmailID == "" {
		return faults.Validation("mailapi.delete", fmt.Errorf("email id is required"))
	}

	resp, err := c.doRequest(ctx, http.MethodDelete, "/api/emails/"+ref.EmailID+"/delete", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("mailapi.delete", resp)
}

// SaveDraft creates or updates a draft, returning its id
func (c *Client) SaveDraft(ctx context.Context, draft Draft) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/drafts", draft)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus("mailapi.save_draft", resp); err != nil {
		return "", err
	}

	var result struct {
		DraftID string `json:"draft_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Network("mailapi.save_draft", err)
	}
	return result.DraftID, nil
}

// FetchEmailContent retrieves the rendered content of an email, used for
// prefetching recent messages into the offline cache
func (c *Client) FetchEmailContent(ctx context.Context, emailID string) ([]byte, string, error) {
	return c.fetch(ctx, "/api/emails/"+emailID+"/content", "mailapi.fetch_content")
}

// FetchEmailBody retrieves the raw body of an email
func (c *Client) FetchEmailBody(ctx context.Context, emailID string) ([]byte, string, error) {
	return c.fetch(ctx, "/api/emails/"+emailID+"/body", "mailapi.fetch_body")
}

// Fetch performs a GET against an arbitrary API path and returns the body
// and content type. Used by prefetch, which receives caller-supplied URLs.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, string, error) {
	return c.fetch(ctx, path, "mailapi.fetch")
}

func (c *Client) fetch(ctx context.Context, path, op string) ([]byte, string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(op, resp); err != nil {
		return nil, "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", faults.Network(op, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Health probes the mail service health endpoint. A nil return means the
// service is reachable; used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus("mailapi.health", resp)
}
