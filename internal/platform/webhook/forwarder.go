// Package webhook forwards audit entries to an external collector as signed
// JSON POSTs. Delivery happens on a background worker so a slow collector
// never holds up the request being audited.
package webhook

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
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/middleware"
)

// ErrQueueFull is returned by RecordAccess when the delivery queue is full.
// The entry is dropped; it is still in the request log.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// Event is the payload POSTed for each audit entry.
type Event struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Data      middleware.AuditEntry `json:"data"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.httpClient = c }
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(f *Forwarder) { f.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats.
func WithRetryDelays(d ...time.Duration) Option {
	return func(f *Forwarder) { f.retryDelays = d }
}

// WithQueueSize sets how many entries may wait for delivery.
func WithQueueSize(n int) Option {
	return func(f *Forwarder) { f.queueSize = n }
}

// Forwarder is a middleware.AuditRecorder that ships entries to a webhook.
type Forwarder struct {
	url         string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	queueSize   int
	queue       chan []byte
	logger      zerolog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewForwarder validates the endpoint URL and applies defaults.
func NewForwarder(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Forwarder, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	f := &Forwarder{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		queueSize:   256,
		logger:      logger.With().Str("component", "audit-webhook").Logger(),
	}
	for _, o := range opts {
		o(f)
	}
	f.queue = make(chan []byte, f.queueSize)
	return f, nil
}

// validateWebhookURL checks that the URL is non-empty and uses http or https.
func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	return nil
}

// RecordAccess queues the entry for delivery without blocking.
func (f *Forwarder) RecordAccess(entry middleware.AuditEntry) error {
	payload, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Type:      "portal.backend_access",
		Timestamp: time.Now().UTC(),
		Data:      entry,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	select {
	case f.queue <- payload:
		return nil
	default:
		f.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run delivers queued entries until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(f.queue); n > 0 {
				f.logger.Warn().Int("pending", n).Msg("audit webhook stopped with undelivered entries")
			}
			return
		case payload := <-f.queue:
			if err := f.deliver(ctx, payload); err != nil {
				f.logger.Error().Err(err).Msg("audit webhook delivery failed")
				continue
			}
			f.delivered.Add(1)
		}
	}
}

// Stats reports delivered and dropped entry counts.
func (f *Forwarder) Stats() (delivered, dropped int64) {
	return f.delivered.Load(), f.dropped.Load()
}

func (f *Forwarder) deliver(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(f.delay(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		lastErr = f.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		f.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("audit webhook attempt failed")
	}
	return lastErr
}

func (f *Forwarder) delay(i int) time.Duration {
	if len(f.retryDelays) == 0 {
		return 0
	}
	if i >= len(f.retryDelays) {
		i = len(f.retryDelays) - 1
	}
	return f.retryDelays[i]
}

func (f *Forwarder) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if f.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, f.secret))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
