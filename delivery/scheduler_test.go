package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcelsud/webhook-dispatch/delivery"
	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEndpoint fails the first n requests and succeeds afterwards
type flakyEndpoint struct {
	failures int32
	hits     atomic.Int32
}

func (e *flakyEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.hits.Add(1) <= e.failures {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// fastBackoff removes the wait between retries so tests run in real time
func fastBackoff() delivery.BackoffPolicy {
	return delivery.BackoffPolicy{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond}
}

func newScheduledFixture(t *testing.T, url string, maxAttempts int, backoff delivery.BackoffPolicy) (fixture, *delivery.Scheduler) {
	t.Helper()

	f := newFixture(t, url, maxAttempts, nil)
	exec := newExecutor(f, delivery.ExecutorConfig{Backoff: backoff})
	scheduler := delivery.NewScheduler(f.ledger, f.registry, exec, delivery.SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		WorkerCount:  4,
	}, zerolog.Nop())
	return f, scheduler
}

func deliveryStatus(t *testing.T, f fixture) delivery.Delivery {
	t.Helper()
	d, _, err := f.ledger.GetDelivery(context.Background(), f.handle.DeliveryID)
	require.NoError(t, err)
	return d
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until the endpoint recovers", func(t *testing.T) {
		ep := &flakyEndpoint{failures: 3}
		server := httptest.NewServer(ep)
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())
		scheduler.Start(ctx)
		defer scheduler.Stop()

		assert.Eventually(t, func() bool {
			return deliveryStatus(t, f).Status == delivery.Success
		}, 5*time.Second, 10*time.Millisecond)

		d, attempts, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, 4, d.AttemptCount)
		assert.Len(t, attempts, 4)
		assert.Equal(t, int32(4), ep.hits.Load())
	})

	t.Run("gives up at the attempt cap", func(t *testing.T) {
		ep := &flakyEndpoint{failures: 1000}
		server := httptest.NewServer(ep)
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())
		scheduler.Start(ctx)
		defer scheduler.Stop()

		assert.Eventually(t, func() bool {
			return deliveryStatus(t, f).Status == delivery.Failed
		}, 5*time.Second, 10*time.Millisecond)

		// A few more poll cycles must not produce a sixth attempt
		time.Sleep(50 * time.Millisecond)

		d, attempts, err := f.ledger.GetDelivery(ctx, f.handle.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, 5, d.AttemptCount)
		assert.Len(t, attempts, 5)
		assert.Equal(t, int32(5), ep.hits.Load())
		assert.Equal(t, "HTTP 500", d.LastError)
	})

	t.Run("deactivation cancels the scheduled retry", func(t *testing.T) {
		ep := &flakyEndpoint{failures: 1000}
		server := httptest.NewServer(ep)
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())
		exec := newExecutor(f, delivery.ExecutorConfig{Backoff: fastBackoff()})

		// First attempt fails and schedules a retry
		_, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		require.Equal(t, delivery.Retrying, deliveryStatus(t, f).Status)

		off := false
		_, err = f.svc.Update(ctx, f.webhook.ID, webhook.UpdateInput{IsActive: &off})
		require.NoError(t, err)

		scheduler.Start(ctx)
		defer scheduler.Stop()

		assert.Eventually(t, func() bool {
			return deliveryStatus(t, f).Status == delivery.Failed
		}, 5*time.Second, 10*time.Millisecond)

		d := deliveryStatus(t, f)
		assert.Equal(t, "webhook inactive or deleted", d.LastError)
		assert.Equal(t, int32(1), ep.hits.Load())
	})

	t.Run("RetryNow short-circuits the backoff wait", func(t *testing.T) {
		ep := &flakyEndpoint{failures: 1}
		server := httptest.NewServer(ep)
		defer server.Close()

		// 1h base: the retry would not run for an hour on its own
		f, scheduler := newScheduledFixture(t, server.URL, 5,
			delivery.BackoffPolicy{Base: time.Hour, Multiplier: 2, Cap: time.Hour})

		exec := newExecutor(f, delivery.ExecutorConfig{
			Backoff: delivery.BackoffPolicy{Base: time.Hour, Multiplier: 2, Cap: time.Hour},
		})
		_, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		require.Equal(t, delivery.Retrying, deliveryStatus(t, f).Status)

		att, err := scheduler.RetryNow(ctx, f.handle.DeliveryID)
		require.NoError(t, err)

		assert.Equal(t, 2, att.Number)
		assert.Equal(t, delivery.Success, att.Status)
		assert.Equal(t, delivery.Success, deliveryStatus(t, f).Status)
	})

	t.Run("RetryNow reopens a failed delivery with one extra attempt", func(t *testing.T) {
		ep := &flakyEndpoint{failures: 1}
		server := httptest.NewServer(ep)
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 1, fastBackoff())
		exec := newExecutor(f, delivery.ExecutorConfig{Backoff: fastBackoff()})

		_, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		require.Equal(t, delivery.Failed, deliveryStatus(t, f).Status)

		att, err := scheduler.RetryNow(ctx, f.handle.DeliveryID)
		require.NoError(t, err)

		assert.Equal(t, 2, att.Number)
		assert.Equal(t, delivery.Success, att.Status)

		d := deliveryStatus(t, f)
		assert.Equal(t, delivery.Success, d.Status)
		assert.Equal(t, 2, d.MaxAttempts)
	})

	t.Run("RetryNow rejects a succeeded delivery", func(t *testing.T) {
		server := httptest.NewServer(&flakyEndpoint{})
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())
		exec := newExecutor(f, delivery.ExecutorConfig{})

		_, err := exec.Execute(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		require.Equal(t, delivery.Success, deliveryStatus(t, f).Status)

		_, err = scheduler.RetryNow(ctx, f.handle.DeliveryID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already succeeded")
	})

	t.Run("requeues attempts stranded mid-claim", func(t *testing.T) {
		ep := &flakyEndpoint{}
		server := httptest.NewServer(ep)
		defer server.Close()

		f := newFixture(t, server.URL, 5, nil)
		exec := newExecutor(f, delivery.ExecutorConfig{Backoff: fastBackoff()})
		scheduler := delivery.NewScheduler(f.ledger, f.registry, exec, delivery.SchedulerConfig{
			PollInterval:    10 * time.Millisecond,
			WorkerCount:     4,
			StaleClaimAfter: time.Millisecond,
		}, zerolog.Nop())

		// Claim without completing, as a process dying mid-attempt would
		_, claimed, err := f.ledger.ClaimAttempt(ctx, f.handle.AttemptID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.Equal(t, delivery.Attempting, deliveryStatus(t, f).Status)

		time.Sleep(5 * time.Millisecond)
		scheduler.Start(ctx)
		defer scheduler.Stop()

		assert.Eventually(t, func() bool {
			return deliveryStatus(t, f).Status == delivery.Success
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), ep.hits.Load())
	})

	t.Run("worker slots reflect in-flight deliveries", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())
		assert.Equal(t, 4, scheduler.WorkerCapacity())
		assert.Equal(t, 0, scheduler.InFlight())

		scheduler.Start(ctx)
		defer scheduler.Stop()

		assert.Eventually(t, func() bool {
			return scheduler.InFlight() == 1
		}, 5*time.Second, 10*time.Millisecond)

		close(release)

		assert.Eventually(t, func() bool {
			return scheduler.InFlight() == 0 && deliveryStatus(t, f).Status == delivery.Success
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("TestSend fires one webhook.test delivery", func(t *testing.T) {
		var received []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())

		att, err := scheduler.TestSend(ctx, f.webhook.ID)
		require.NoError(t, err)

		assert.Equal(t, delivery.Success, att.Status)
		assert.Equal(t, 1, att.Number)
		assert.Equal(t, 1, att.MaxAttempts)

		var envelope struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(received, &envelope))
		assert.Equal(t, "webhook.test", envelope.Event)
	})

	t.Run("TestSend fails on unknown webhook", func(t *testing.T) {
		server := httptest.NewServer(&flakyEndpoint{})
		defer server.Close()

		_, scheduler := newScheduledFixture(t, server.URL, 5, fastBackoff())

		_, err := scheduler.TestSend(ctx, "nope")
		require.Error(t, err)
	})
}
