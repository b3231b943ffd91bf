package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	defaultTimeout = 10 * time.Second
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// credentials is the expected JSON shape stored under <prefix>/twilio.
type credentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
}

// messageResponse is the part of the Messages resource we log.
type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends SMS through the Twilio Messages API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	logger      *slog.Logger

	credMu sync.Mutex
	creds  *credentials
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client whose account credentials are read from
// <paramPrefix>/twilio on first send.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveCredentials(ctx context.Context) (credentials, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if c.creds != nil {
		return *c.creds, nil
	}

	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/twilio")
	if err != nil {
		return credentials{}, fmt.Errorf("twilio: fetch credentials from paramstore: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return credentials{}, fmt.Errorf("twilio: unmarshal credentials: %w", err)
	}
	if creds.AccountSID == "" || creds.AuthToken == "" || creds.From == "" {
		return credentials{}, errors.New("twilio: credentials require account_sid, auth_token and from")
	}
	c.creds = &creds
	return creds, nil
}

func messagesURL(baseURL, accountSID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/2010-04-01/Accounts/" + url.PathEscape(accountSID) + "/Messages.json"
}

// Send delivers body to the phone number to.
func (c *Client) Send(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("twilio: recipient must not be empty")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("twilio: body must not be empty")
	}

	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", creds.From)
	form.Set("Body", body)

	endpoint := messagesURL(c.baseURL, creds.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("twilio: request failed: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		})
	}

	var msg messageResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&msg); err != nil {
		// the message was accepted; a body we cannot read is not a delivery failure
		c.logger.Warn("twilio: decode message response", "err", err)
		return nil
	}
	c.logger.Debug("twilio message accepted", "sid", msg.SID, "status", msg.Status)
	return nil
}

// LogSender writes deliveries to the log instead of sending them. It backs
// DELIVERY_DISABLED for local runs.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("delivery disabled, logging outbound sms", "to", to, "body", body)
	return nil
}
