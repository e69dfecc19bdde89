package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ineyio/keyalloc"
)

// DefaultWebhookTimeout bounds a single notification post.
const DefaultWebhookTimeout = 2 * time.Second

// WebhookMeter posts Slack-style notifications when a credential nears or
// reaches its quota. Crossings are detected from the commit itself, so
// short-lived processes sharing a store each report only their own crossing.
//
// Posts run inline in OnCommit, so a crossing commit may take up to the
// configured timeout longer. Delivery failures are logged and dropped.
type WebhookMeter struct {
	url        string
	warnRatio  float64
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	notified map[string]level
}

type level int

const (
	levelNone level = iota
	levelWarning
	levelError
)

var _ keyalloc.Meter = (*WebhookMeter)(nil)

// WebhookOption configures WebhookMeter.
type WebhookOption func(*WebhookMeter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(m *WebhookMeter) { m.httpClient = c }
}

// WithWebhookTimeout bounds each post. Non-positive values keep the default.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(m *WebhookMeter) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithWebhookLogger sets the logger used for delivery failures.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(m *WebhookMeter) { m.logger = l }
}

// NewWebhookMeter creates a meter posting to url. warnRatio is the share of
// a ceiling that triggers the warning.
func NewWebhookMeter(url string, warnRatio float64, opts ...WebhookOption) *WebhookMeter {
	m := &WebhookMeter{
		url:        url,
		warnRatio:  warnRatio,
		timeout:    DefaultWebhookTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        time.Now,
		notified:   make(map[string]level),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *WebhookMeter) OnAcquire(keyalloc.AcquireEvent) {}

func (m *WebhookMeter) OnCommit(e keyalloc.CommitEvent) {
	if e.Error != nil {
		return
	}

	// Tokens this request added across reserve and commit.
	added := max(e.ActualTokens, e.PredictedTokens)
	before := e.TokenTotal - added

	switch {
	case e.Exhausted && (e.RequestCount == e.Ceilings.Requests || before < e.Ceilings.Tokens):
		m.notify(e.CredentialID, levelError, fmt.Sprintf(
			"API key '%s' (%s) has reached its daily quota with %d requests and %d tokens.",
			e.CredentialID, e.Service, e.RequestCount, e.TokenTotal))
	case m.crossedWarning(e, before):
		m.notify(e.CredentialID, levelWarning, fmt.Sprintf(
			"API key '%s' (%s) is nearing its daily quota, having made %d requests and used %d tokens.",
			e.CredentialID, e.Service, e.RequestCount, e.TokenTotal))
	}
}

func (m *WebhookMeter) OnReset(e keyalloc.ResetEvent) {
	if e.Error != nil {
		return
	}
	m.mu.Lock()
	clear(m.notified)
	m.mu.Unlock()
}

func (m *WebhookMeter) crossedWarning(e keyalloc.CommitEvent, tokensBefore int64) bool {
	reqWarn := warnThreshold(e.Ceilings.Requests, m.warnRatio)
	tokWarn := warnThreshold(e.Ceilings.Tokens, m.warnRatio)
	if e.RequestCount == reqWarn {
		return true
	}
	return tokensBefore < tokWarn && e.TokenTotal >= tokWarn
}

func warnThreshold(ceiling int64, ratio float64) int64 {
	return int64(math.Ceil(float64(ceiling) * ratio))
}

func (m *WebhookMeter) notify(credentialID string, lvl level, text string) {
	m.mu.Lock()
	if m.notified[credentialID] >= lvl {
		m.mu.Unlock()
		return
	}
	m.notified[credentialID] = lvl
	m.mu.Unlock()

	if err := m.post(lvl, text); err != nil {
		m.logger.Warn("webhook notification failed", "credential", credentialID, "error", err)
	}
}

type attachment struct {
	Color string  `json:"color"`
	Text  string  `json:"text"`
	TS    float64 `json:"ts"`
}

type payload struct {
	Attachments []attachment `json:"attachments"`
}

func (m *WebhookMeter) post(lvl level, text string) error {
	color := "#ffae42"
	if lvl == levelError {
		color = "#d50200"
	}
	body, err := json.Marshal(payload{Attachments: []attachment{{
		Color: color,
		Text:  text,
		TS:    float64(m.now().UnixMilli()) / 1000,
	}}})
	if err != nil {
		return fmt.Errorf("keyalloc: marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("keyalloc: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keyalloc: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("keyalloc: webhook status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
