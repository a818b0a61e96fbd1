package webhook_test

import (
	"context"
	"testing"

	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerInput() webhook.RegisterInput {
	return webhook.RegisterInput{
		ProjectID:     "proj-1",
		Name:          "Order Events",
		TechnicalName: "order-events",
		URL:           "https://example.com/hooks/orders",
		Events:        []string{"order.created", "order.*"},
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("success - generates a secret", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		wh, err := service.Register(ctx, registerInput())

		require.NoError(t, err)
		assert.NotEmpty(t, wh.ID)
		assert.Equal(t, webhook.Active, wh.Status)
		assert.False(t, wh.Secret.IsZero())
		assert.Contains(t, wh.Secret.String(), "whsec_")
		assert.False(t, wh.CreatedAt.IsZero())
	})

	t.Run("success - keeps a provided secret", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		first, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		input := registerInput()
		input.TechnicalName = "order-events-copy"
		input.Secret = first.Secret.String()

		second, err := service.Register(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, first.Secret.String(), second.Secret.String())
	})

	t.Run("error - missing url", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		input := registerInput()
		input.URL = ""

		_, err := service.Register(ctx, input)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "url cannot be empty")
	})

	t.Run("error - relative url", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		input := registerInput()
		input.URL = "/hooks/orders"

		_, err := service.Register(ctx, input)
		require.Error(t, err)
	})

	t.Run("error - no event subscriptions", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		input := registerInput()
		input.Events = nil

		_, err := service.Register(ctx, input)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one event")
	})

	t.Run("error - malformed secret", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		input := registerInput()
		input.Secret = "not-a-secret"

		_, err := service.Register(ctx, input)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "whsec_")
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("success - partial update", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())
		wh, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		newName := "Order Events v2"
		updated, err := service.Update(ctx, wh.ID, webhook.UpdateInput{Name: &newName})

		require.NoError(t, err)
		assert.Equal(t, newName, updated.Name)
		assert.Equal(t, wh.URL, updated.URL)
		assert.Equal(t, wh.Secret.String(), updated.Secret.String())
	})

	t.Run("success - deactivate", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())
		wh, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		inactive := false
		updated, err := service.Update(ctx, wh.ID, webhook.UpdateInput{IsActive: &inactive})

		require.NoError(t, err)
		assert.Equal(t, webhook.Inactive, updated.Status)
	})

	t.Run("error - not found", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		_, err := service.Update(ctx, "nope", webhook.UpdateInput{})
		assert.ErrorIs(t, err, webhook.ErrNotFound)
	})
}

func TestRotateSecret(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())
		wh, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		rotated, err := service.RotateSecret(ctx, wh.ID)

		require.NoError(t, err)
		assert.NotEqual(t, wh.Secret.String(), rotated.Secret.String())
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())
		wh, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		require.NoError(t, service.Delete(ctx, wh.ID))

		_, err = service.Get(ctx, wh.ID)
		assert.ErrorIs(t, err, webhook.ErrNotFound)
	})
}

func TestListByProject(t *testing.T) {
	ctx := context.Background()

	t.Run("success - only the project's webhooks", func(t *testing.T) {
		service := webhook.NewService(memory.NewRepository())

		_, err := service.Register(ctx, registerInput())
		require.NoError(t, err)

		other := registerInput()
		other.ProjectID = "proj-2"
		other.TechnicalName = "other-events"
		_, err = service.Register(ctx, other)
		require.NoError(t, err)

		webhooks, err := service.ListByProject(ctx, "proj-1")
		require.NoError(t, err)
		require.Len(t, webhooks, 1)
		assert.Equal(t, "order-events", webhooks[0].TechnicalName)
	})
}
