package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds one HTTP delivery attempt
	DefaultTimeout = 10 * time.Second

	// DefaultMaxResponseBodyBytes caps how much of an endpoint's response
	// is kept in the ledger
	DefaultMaxResponseBodyBytes = 64 * 1024
)

// ExecutorConfig tunes the delivery attempt executor
type ExecutorConfig struct {
	Timeout              time.Duration
	MaxResponseBodyBytes int64
	Backoff              BackoffPolicy
}

/* Executor performs one HTTP POST attempt to a webhook endpoint.
 * Endpoint failures never propagate as errors: every outcome becomes
 * ledger data, so one bad endpoint cannot crash the dispatch loop.
 * Only ledger write failures are returned to the caller.
 */
type Executor struct {
	ledger   Repository
	webhooks webhook.Reader
	client   *http.Client
	timeout  time.Duration
	maxBody  int64
	backoff  BackoffPolicy
	logger   zerolog.Logger
}

// NewExecutor creates an executor with the given configuration.
// Zero config values fall back to defaults.
func NewExecutor(ledger Repository, webhooks webhook.Reader, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBodyBytes <= 0 {
		cfg.MaxResponseBodyBytes = DefaultMaxResponseBodyBytes
	}
	if cfg.Backoff.Base == 0 && cfg.Backoff.Multiplier == 0 {
		cfg.Backoff = DefaultBackoff()
	}

	return &Executor{
		ledger:   ledger,
		webhooks: webhooks,
		client:   &http.Client{Timeout: cfg.Timeout},
		timeout:  cfg.Timeout,
		maxBody:  cfg.MaxResponseBodyBytes,
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

// Execute claims and runs one delivery attempt. When the attempt was
// already claimed by a concurrent caller, it returns without side effects.
func (e *Executor) Execute(ctx context.Context, attemptID string) (Attempt, error) {
	att, claimed, err := e.ledger.ClaimAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, fmt.Errorf("claiming attempt %s: %w", attemptID, err)
	}
	if !claimed {
		return att, nil
	}

	d, _, err := e.ledger.GetDelivery(ctx, att.DeliveryID)
	if err != nil {
		return att, fmt.Errorf("loading delivery %s: %w", att.DeliveryID, err)
	}

	wh, err := e.webhooks.Get(ctx, att.WebhookID)
	if err != nil && !errors.Is(err, webhook.ErrNotFound) {
		return att, fmt.Errorf("loading webhook %s: %w", att.WebhookID, err)
	}
	if errors.Is(err, webhook.ErrNotFound) || !wh.Status.IsActive() {
		return e.cancelAttempt(ctx, att, d)
	}

	att.RequestHeaders = buildRequestHeaders(wh, d)

	start := time.Now()
	statusCode, respBody, respHeaders, sendErr := e.send(ctx, wh.URL, d.Payload, att.RequestHeaders)
	att.ExecutionTimeMs = time.Since(start).Milliseconds()
	att.CompletedAt = time.Now()
	att.StatusCode = statusCode
	att.ResponseBody = respBody
	att.ResponseHeaders = respHeaders

	if sendErr == "" && statusCode >= 200 && statusCode < 300 {
		return e.completeSuccess(ctx, att, d)
	}

	if sendErr == "" {
		sendErr = fmt.Sprintf("HTTP %d", statusCode)
	}
	att.Error = sendErr

	return e.completeFailure(ctx, att, d)
}

// send performs the HTTP POST and returns the captured outcome.
// A non-empty error string means no usable response was received.
func (e *Executor) send(ctx context.Context, targetURL string, payload []byte, headers map[string]string) (int, string, map[string]string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", nil, fmt.Sprintf("building request: %v", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", nil, e.classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		e.logger.Warn().Err(err).Str("url", targetURL).Msg("reading response body")
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			respHeaders[name] = values[0]
		}
	}

	return resp.StatusCode, string(body), respHeaders, ""
}

// classifyError turns a transport error into the human-readable cause
// stored in the ledger.
func (e *Executor) classifyError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Sprintf("timeout after %s", e.timeout)
		}
		return urlErr.Err.Error()
	}
	return err.Error()
}

// completeSuccess finalizes the attempt and resolves the delivery
func (e *Executor) completeSuccess(ctx context.Context, att Attempt, d Delivery) (Attempt, error) {
	att.Status = Success

	d.Status = Success
	d.AttemptCount = att.Number
	d.NextRetryAt = time.Time{}
	d.LastError = ""
	d.UpdatedAt = att.CompletedAt
	d.CompletedAt = att.CompletedAt

	if err := e.ledger.CompleteAttempt(ctx, att, d); err != nil {
		return att, fmt.Errorf("completing attempt %s: %w", att.ID, err)
	}

	e.logger.Info().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Int("attempt", att.Number).
		Int("status_code", att.StatusCode).
		Int64("execution_time_ms", att.ExecutionTimeMs).
		Msg("webhook delivered")

	return att, nil
}

// completeFailure finalizes the failed attempt and either schedules the
// next one or resolves the delivery as failed at the attempt cap.
func (e *Executor) completeFailure(ctx context.Context, att Attempt, d Delivery) (Attempt, error) {
	att.Status = Failed

	d.AttemptCount = att.Number
	d.LastError = att.Error
	d.UpdatedAt = att.CompletedAt

	if att.Number >= att.MaxAttempts {
		d.Status = Failed
		d.NextRetryAt = time.Time{}
		d.CompletedAt = att.CompletedAt

		if err := e.ledger.CompleteAttempt(ctx, att, d); err != nil {
			return att, fmt.Errorf("completing attempt %s: %w", att.ID, err)
		}

		e.logger.Warn().
			Str("delivery_id", d.ID).
			Str("webhook_id", d.WebhookID).
			Int("attempt", att.Number).
			Str("error", att.Error).
			Msg("webhook delivery failed, max attempts reached")

		return att, nil
	}

	nextDue := att.CompletedAt.Add(e.backoff.Delay(att.Number))
	att.NextRetryAt = nextDue

	d.Status = Retrying
	d.NextRetryAt = nextDue

	if err := e.ledger.CompleteAttempt(ctx, att, d); err != nil {
		return att, fmt.Errorf("completing attempt %s: %w", att.ID, err)
	}

	next := Attempt{
		ID:          uuid.New().String(),
		DeliveryID:  d.ID,
		WebhookID:   d.WebhookID,
		Number:      att.Number + 1,
		MaxAttempts: att.MaxAttempts,
		Status:      Pending,
		NextRetryAt: nextDue,
		CreatedAt:   att.CompletedAt,
	}
	if err := e.ledger.AppendAttempt(ctx, d, next); err != nil {
		return att, fmt.Errorf("scheduling attempt %d for delivery %s: %w", next.Number, d.ID, err)
	}

	e.logger.Info().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Int("attempt", att.Number).
		Str("error", att.Error).
		Time("next_retry_at", nextDue).
		Msg("webhook delivery will be retried")

	return att, nil
}

// cancelAttempt finalizes an attempt whose webhook was deleted or
// deactivated after the attempt was scheduled. No request is sent.
func (e *Executor) cancelAttempt(ctx context.Context, att Attempt, d Delivery) (Attempt, error) {
	now := time.Now()
	att.Status = Failed
	att.Error = "webhook inactive or deleted"
	att.CompletedAt = now

	d.Status = Failed
	d.AttemptCount = att.Number
	d.LastError = att.Error
	d.NextRetryAt = time.Time{}
	d.UpdatedAt = now
	d.CompletedAt = now

	if err := e.ledger.CompleteAttempt(ctx, att, d); err != nil {
		return att, fmt.Errorf("completing attempt %s: %w", att.ID, err)
	}

	e.logger.Info().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Int("attempt", att.Number).
		Msg("delivery cancelled, webhook inactive or deleted")

	return att, nil
}

// buildRequestHeaders merges the webhook's custom headers with the
// computed delivery headers. Custom headers never override the computed ones.
func buildRequestHeaders(wh webhook.Webhook, d Delivery) map[string]string {
	headers := make(map[string]string, len(wh.Headers)+4)
	for name, value := range wh.Headers {
		headers[name] = value
	}
	headers["Content-Type"] = "application/json"
	headers[signature.HeaderName] = signature.BuildHeader(d.Signature)
	headers["X-Webhook-Id"] = d.ID
	headers["X-Webhook-Event"] = d.EventName
	return headers
}
