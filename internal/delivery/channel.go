package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"riverwatch/internal/config"
	"riverwatch/internal/types"
)

// SQSMaxDelaySeconds is the maximum delay SQS supports (15 minutes).
const SQSMaxDelaySeconds = 900

// ErrLongRetryDelay is returned when a 429 Retry-After exceeds the SQS
// maximum delay. The worker must respond by parking the delivery: recording
// it as deferred in the evidence store and ACKing the SQS message, rather
// than re-queuing with a delay.
var ErrLongRetryDelay = errors.New("webhook: retry-after exceeds SQS maximum delay, requires parking")

// maxResponseBodyRead limits how much of a response body is read for error
// messages.
const maxResponseBodyRead = 4096

// DeliveryResult describes the outcome of one webhook transmission attempt.
type DeliveryResult struct {
	Status        types.DeliveryStatus
	FailureReason string
	Retryable     bool
	// Terminal marks the destination permanently unusable (HTTP 410).
	Terminal bool
	// RetryAfter carries the server-requested delay from a 429 response.
	RetryAfter *time.Duration
}

// WebhookChannel delivers alert payloads over HTTP POST with HMAC signature
// headers. All transmissions pass through a circuit breaker so a dead
// endpoint sheds load instead of burning the retry budget of every message.
type WebhookChannel struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	cfg        config.WebhookConfig
	keys       SigningKeys
	logger     types.Logger
	clock      types.Clock
}

// NewWebhookChannel creates a channel from the webhook configuration.
func NewWebhookChannel(cfg config.WebhookConfig, logger types.Logger) *WebhookChannel {
	maxRedirects := cfg.MaxRedirects
	httpClient := &http.Client{
		Timeout: cfg.DefaultTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &WebhookChannel{
		httpClient: httpClient,
		breaker:    breaker,
		cfg:        cfg,
		keys:       SigningKeys{Current: cfg.SigningSecret},
		logger:     logger,
		clock:      types.RealClock{},
	}
}

// NewWebhookChannelWithClient creates a channel with a caller-supplied HTTP
// client and clock. This constructor exists for testing.
func NewWebhookChannelWithClient(cfg config.WebhookConfig, httpClient *http.Client, clock types.Clock, logger types.Logger) *WebhookChannel {
	ch := NewWebhookChannel(cfg, logger)
	ch.httpClient = httpClient
	ch.clock = clock
	return ch
}

// SetSigningKeys replaces the signing keys, used during secret rotation.
func (w *WebhookChannel) SetSigningKeys(keys SigningKeys) {
	w.keys = keys
}

// Deliver formats, signs, and POSTs one alert record to the destination.
//
// Response handling:
//   - 2xx: validate platform response body, success
//   - 429: parse Retry-After; over the SQS delay limit returns
//     ErrLongRetryDelay to trigger parking
//   - 410 Gone: Terminal=true, destination disabled
//   - other 4xx: permanent failure, not retryable
//   - 5xx and network errors: transient, retryable
func (w *WebhookChannel) Deliver(ctx context.Context, record types.AlertRecord, destination string) (*DeliveryResult, error) {
	platform := DetectPlatform(destination)
	formatter := FormatterFor(platform)

	payload, err := formatter.Format(record)
	if err != nil {
		return nil, fmt.Errorf("webhook deliver: failed to format payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("webhook deliver: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.cfg.UserAgent)

	if w.keys.Current.Unmask() != "" {
		signature, err := SignPayload(payload, w.keys, w.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("webhook deliver: %w", err)
		}
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := w.breaker.Execute(func() (*http.Response, error) {
		return w.httpClient.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.logger.Warn("webhook circuit open, delivery short-circuited",
				"destination", destination, "alert_id", record.AlertID)
			return &DeliveryResult{
				Status:        types.DeliveryStatusRetrying,
				FailureReason: "circuit_open",
				Retryable:     true,
			}, nil
		}

		w.logger.Warn("webhook network error",
			"destination", destination, "alert_id", record.AlertID, "error", err.Error())
		return &DeliveryResult{
			Status:        types.DeliveryStatusFailed,
			FailureReason: fmt.Sprintf("network_error: %v", err),
			Retryable:     true,
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return w.handle429(resp, destination)

	case resp.StatusCode == http.StatusGone:
		w.logger.Warn("webhook endpoint gone (410)", "destination", destination)
		return &DeliveryResult{
			Status:        types.DeliveryStatusFailed,
			FailureReason: "endpoint_gone_410",
			Retryable:     false,
			Terminal:      true,
		}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := formatter.ValidateResponse(resp.StatusCode, body); err != nil {
			// Soft failure, e.g. Slack HTTP 200 with an error body.
			return &DeliveryResult{
				Status:        types.DeliveryStatusFailed,
				FailureReason: fmt.Sprintf("soft_failure: %v", err),
				Retryable:     true,
			}, nil
		}
		w.logger.Info("webhook delivered",
			"destination", destination, "alert_id", record.AlertID, "status", resp.StatusCode)
		return &DeliveryResult{Status: types.DeliveryStatusSent}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &DeliveryResult{
			Status:        types.DeliveryStatusFailed,
			FailureReason: fmt.Sprintf("http_%d: %s", resp.StatusCode, truncate(body, 200)),
			Retryable:     false,
		}, nil

	default:
		return &DeliveryResult{
			Status:        types.DeliveryStatusFailed,
			FailureReason: fmt.Sprintf("http_%d", resp.StatusCode),
			Retryable:     true,
		}, nil
	}
}

// handle429 parses the Retry-After header. Delays beyond the SQS limit
// surface as ErrLongRetryDelay so the worker parks the delivery.
func (w *WebhookChannel) handle429(resp *http.Response, destination string) (*DeliveryResult, error) {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), w.clock)

	w.logger.Warn("webhook rate limited (429)",
		"destination", destination, "retry_after_seconds", retryAfter.Seconds())

	result := &DeliveryResult{
		Status:        types.DeliveryStatusRetrying,
		FailureReason: fmt.Sprintf("rate_limited_429: retry after %s", retryAfter),
		Retryable:     true,
		RetryAfter:    &retryAfter,
	}
	if retryAfter.Seconds() > SQSMaxDelaySeconds {
		return result, ErrLongRetryDelay
	}
	return result, nil
}

// parseRetryAfter interprets a Retry-After header as either delta-seconds or
// an HTTP date. Unparseable values fall back to 60 seconds.
func parseRetryAfter(header string, clock types.Clock) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(clock.Now())
		if d < 0 {
			d = 0
		}
		return d
	}
	return 60 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
