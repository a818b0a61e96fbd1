package delivery_test

import (
	"context"
	"encoding/json"
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

func mustRegister(t *testing.T, svc webhook.UseCase, input webhook.RegisterInput) webhook.Webhook {
	t.Helper()
	wh, err := svc.Register(context.Background(), input)
	require.NoError(t, err)
	return wh
}

func orderEvent(t *testing.T, data interface{}) delivery.Event {
	t.Helper()
	event, err := delivery.NewEvent("order.created", data)
	require.NoError(t, err)
	return event
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("success - one delivery per subscribed active webhook", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()
		svc := webhook.NewService(registry)

		exact := mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Exact", TechnicalName: "exact",
			URL: "https://example.com/a", Events: []string{"order.created"},
		})
		wildcard := mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Wildcard", TechnicalName: "wildcard",
			URL: "https://example.com/b", Events: []string{"order.*"},
		})
		mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Unrelated", TechnicalName: "unrelated",
			URL: "https://example.com/c", Events: []string{"user.created"},
		})
		mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-2", Name: "Other project", TechnicalName: "other",
			URL: "https://example.com/d", Events: []string{"order.created"},
		})

		inactive := mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Inactive", TechnicalName: "inactive",
			URL: "https://example.com/e", Events: []string{"order.created"},
		})
		off := false
		_, err := svc.Update(ctx, inactive.ID, webhook.UpdateInput{IsActive: &off})
		require.NoError(t, err)

		router := delivery.NewRouter(registry, ledger, 5, nil, logger)
		handles, err := router.Dispatch(ctx, "proj-1", orderEvent(t, map[string]interface{}{"order_id": "o-1"}))

		require.NoError(t, err)
		require.Len(t, handles, 2)

		got := map[string]bool{}
		for _, h := range handles {
			got[h.WebhookID] = true

			d, attempts, err := ledger.GetDelivery(ctx, h.DeliveryID)
			require.NoError(t, err)
			assert.Equal(t, delivery.Pending, d.Status)
			assert.Equal(t, "order.created", d.EventName)
			assert.Equal(t, 5, d.MaxAttempts)

			require.Len(t, attempts, 1)
			assert.Equal(t, 1, attempts[0].Number)
			assert.Equal(t, delivery.Pending, attempts[0].Status)
			assert.False(t, attempts[0].NextRetryAt.After(time.Now()))
		}
		assert.True(t, got[exact.ID])
		assert.True(t, got[wildcard.ID])
	})

	t.Run("success - payload is signed per webhook secret", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()
		svc := webhook.NewService(registry)

		wh := mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Orders", TechnicalName: "orders",
			URL: "https://example.com/a", Events: []string{"order.created"},
		})

		router := delivery.NewRouter(registry, ledger, 5, nil, logger)
		handles, err := router.Dispatch(ctx, "proj-1", orderEvent(t, map[string]interface{}{"order_id": "o-1"}))
		require.NoError(t, err)
		require.Len(t, handles, 1)

		d, _, err := ledger.GetDelivery(ctx, handles[0].DeliveryID)
		require.NoError(t, err)
		assert.True(t, signature.Verify(wh.Secret, d.Payload, d.Signature))

		var envelope struct {
			Event     string          `json:"event"`
			Data      json.RawMessage `json:"data"`
			Timestamp string          `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(d.Payload, &envelope))
		assert.Equal(t, "order.created", envelope.Event)
		assert.JSONEq(t, `{"order_id":"o-1"}`, string(envelope.Data))
		_, err = time.Parse(time.RFC3339Nano, envelope.Timestamp)
		assert.NoError(t, err)
	})

	t.Run("success - no subscribers is a no-op", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()

		router := delivery.NewRouter(registry, ledger, 5, nil, logger)
		handles, err := router.Dispatch(ctx, "proj-1", orderEvent(t, map[string]interface{}{"order_id": "o-1"}))

		require.NoError(t, err)
		assert.Empty(t, handles)
	})

	t.Run("success - schema-violating payload skips only that webhook", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()
		svc := webhook.NewService(registry)

		mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Strict", TechnicalName: "strict",
			URL: "https://example.com/a", Events: []string{"order.created"},
			Schema: &webhook.Schema{
				Version: 1,
				Fields:  []webhook.Field{{Name: "order_id", Type: webhook.TypeString, Required: true}},
			},
		})
		lax := mustRegister(t, svc, webhook.RegisterInput{
			ProjectID: "proj-1", Name: "Lax", TechnicalName: "lax",
			URL: "https://example.com/b", Events: []string{"order.created"},
		})

		router := delivery.NewRouter(registry, ledger, 5, nil, logger)
		handles, err := router.Dispatch(ctx, "proj-1", orderEvent(t, map[string]interface{}{"amount": 10}))

		require.NoError(t, err)
		require.Len(t, handles, 1)
		assert.Equal(t, lax.ID, handles[0].WebhookID)
	})

	t.Run("success - wakes the scheduler once", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()
		svc := webhook.NewService(registry)

		for _, name := range []string{"a", "b", "c"} {
			mustRegister(t, svc, webhook.RegisterInput{
				ProjectID: "proj-1", Name: name, TechnicalName: name,
				URL: "https://example.com/" + name, Events: []string{"order.created"},
			})
		}

		wakes := 0
		router := delivery.NewRouter(registry, ledger, 5, func() { wakes++ }, logger)
		handles, err := router.Dispatch(ctx, "proj-1", orderEvent(t, map[string]interface{}{"order_id": "o-1"}))

		require.NoError(t, err)
		assert.Len(t, handles, 3)
		assert.Equal(t, 1, wakes)
	})

	t.Run("error - invalid event name", func(t *testing.T) {
		registry := webhookmemory.NewRepository()
		ledger := deliverymemory.NewRepository()

		router := delivery.NewRouter(registry, ledger, 5, nil, logger)
		event := delivery.Event{Name: "order..created", Data: []byte(`{}`), Timestamp: time.Now()}

		_, err := router.Dispatch(ctx, "proj-1", event)
		require.Error(t, err)
	})
}
