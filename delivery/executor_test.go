package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcelsud/webhook-dispatch/delivery"
	deliverymemory "github.com/marcelsud/webhook-dispatch/delivery/memory"
	"github.com/marcelsud/webhook-dispatch/webhook"
	webhookmemory "github.com/marcelsud/webhook-dispatch/webhook/memory"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturedRequest records what the endpoint received
type capturedRequest struct {
	Header http.Header
	Body   []byte
}

type endpoint struct {
	mu       sync.Mutex
	requests []capturedRequest
	handler  http.HandlerFunc
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.requests = append(e.requests, capturedRequest{Header: r.Header.Clone(), Body: body})
	e.mu.Unlock()

	if e.handler != nil {
		e.handler(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *endpoint) last() capturedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

type fixture struct {
	registry *webhookmemory.Repository
	ledger   *deliverymemory.Repository
	svc      *webhook.Service
	webhook  webhook.Webhook
	handle   delivery.Handle
}

// newFixture registers a webhook pointed at url and dispatches one
// order.created event to it, returning the created delivery handle.
func newFixture(t *testing.T, url string, maxAttempts int, headers map[string]string) fixture {
	t.Helper()
	ctx := context.Background()

	registry := webhookmemory.NewRepository()
	ledger := deliverymemory.NewRepository()
	svc := webhook.NewService(registry)

	wh, err := svc.Register(ctx, webhook.RegisterInput{
		ProjectID: "proj-1", Name: "Orders", TechnicalName: "orders",
		URL: url, Events: []string{"order.created"}, Headers: headers,
	})
	require.NoError(t, err)

	router := delivery.NewRouter(registry, ledger, maxAttempts, nil, zerolog.Nop())
	event, err := delivery.NewEvent("order.created", map[string]interface{}{"order_id": "o-1"})
	require.NoError(t, err)
	handles, err := router.Dispatch(ctx, "proj-1", event)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	return fixture{registry: registry, ledger: ledger, svc: svc, webhook: wh, handle: handles[0]}
}

func newExecutor(f fixture, cfg delivery.ExecutorConfig) *delivery.Executor {
	return delivery.NewExecutor(f.ledger, f.registry, cfg, zerolog.Nop())
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("success - 2xx resolves the delivery", func(t *testing.T) {
		ep := &endpoint{}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, map[string]string{"X-Env": "test"})
		exec := newExecutor(f, delivery.ExecutorConfig{})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Success, att.Status)
		assert.Equal(t, http.StatusOK, att.StatusCode)
		assert.Equal(t, 1, att.Number)
		assert.False(t, att.CompletedAt.IsZero())
		assert.GreaterOrEqual(t, att.ExecutionTimeMs, int64(0))

		d, attempts, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Success, d.Status)
		assert.Equal(t, 1, d.AttemptCount)
		assert.False(t, d.CompletedAt.IsZero())
		assert.Len(t, attempts, 1)

		req := ep.last()
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "test", req.Header.Get("X-Env"))
		assert.Equal(t, f.handle.DeliveryID, req.Header.Get("X-Webhook-Id"))
		assert.Equal(t, "order.created", req.Header.Get("X-Webhook-Event"))

		hexSig, err := signature.ParseHeader(req.Header.Get(signature.HeaderName))
		require.NoError(t, err)
		assert.True(t, signature.Verify(f.webhook.Secret, req.Body, hexSig))
	})

	t.Run("failure - 5xx schedules a retry with backoff", func(t *testing.T) {
		ep := &endpoint{handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{
			Backoff: delivery.BackoffPolicy{Base: time.Minute, Multiplier: 2, Cap: time.Hour},
		})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Failed, att.Status)
		assert.Equal(t, "HTTP 500", att.Error)

		d, attempts, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Retrying, d.Status)
		assert.Equal(t, 1, d.AttemptCount)
		assert.Equal(t, "HTTP 500", d.LastError)
		assert.True(t, d.CompletedAt.IsZero())

		require.Len(t, attempts, 2)
		next := attempts[1]
		assert.Equal(t, 2, next.Number)
		assert.Equal(t, delivery.Pending, next.Status)
		assert.Equal(t, att.CompletedAt.Add(time.Minute), next.NextRetryAt)
		assert.Equal(t, next.NextRetryAt, d.NextRetryAt)
	})

	t.Run("failure - attempt cap resolves the delivery as failed", func(t *testing.T) {
		ep := &endpoint{handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 1, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Failed, att.Status)

		d, attempts, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Failed, d.Status)
		assert.Equal(t, "HTTP 502", d.LastError)
		assert.False(t, d.CompletedAt.IsZero())
		assert.Len(t, attempts, 1)
	})

	t.Run("failure - timeout is recorded as the cause", func(t *testing.T) {
		ep := &endpoint{handler: func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{Timeout: 50 * time.Millisecond})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Failed, att.Status)
		assert.Equal(t, 0, att.StatusCode)
		assert.Contains(t, att.Error, "timeout after 50ms")
	})

	t.Run("failure - connection error is recorded, not raised", func(t *testing.T) {
		server := httptest.NewServer(&endpoint{})
		url := server.URL
		server.Close()

		f := newFixture(t, url, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Failed, att.Status)
		assert.Equal(t, 0, att.StatusCode)
		assert.NotEmpty(t, att.Error)
	})

	t.Run("response body is truncated at the cap", func(t *testing.T) {
		ep := &endpoint{handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(strings.Repeat("a", 1000)))
		}}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{MaxResponseBodyBytes: 10})

		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("a", 10), att.ResponseBody)
	})

	t.Run("claim makes concurrent execution single-shot", func(t *testing.T) {
		ep := &endpoint{}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{})

		var wg sync.WaitGroup
		var execErrs atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := exec.Execute(ctx, f.handle.AttemptID); err != nil {
					execErrs.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(0), execErrs.Load())
		assert.Equal(t, 1, ep.count())
	})

	t.Run("inactive webhook cancels the attempt without a request", func(t *testing.T) {
		ep := &endpoint{}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		off := false
		_, err := f.svc.Update(ctx, f.webhook.ID, webhook.UpdateInput{IsActive: &off})
		require.NoError(t, err)

		exec := newExecutor(f, delivery.ExecutorConfig{})
		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Failed, att.Status)
		assert.Equal(t, "webhook inactive or deleted", att.Error)
		assert.Equal(t, 0, ep.count())

		d, _, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Failed, d.Status)
	})

	t.Run("deleted webhook cancels the attempt without a request", func(t *testing.T) {
		ep := &endpoint{}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		require.NoError(t, f.svc.Delete(ctx, f.webhook.ID))

		exec := newExecutor(f, delivery.ExecutorConfig{})
		att, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Failed, att.Status)
		assert.Equal(t, 0, ep.count())
	})
}
