package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
)

const defaultSecretSize = 32

/* Service represents the registration business logic.
 * Uses pointer semantics as it's an API, not data.
 */

// RegisterInput holds the fields accepted when registering a webhook
type RegisterInput struct {
	ProjectID     string
	UserID        string
	Name          string
	TechnicalName string
	URL           string
	Secret        string // optional; generated when empty
	Events        []string
	Headers       map[string]string
	Schema        *Schema
}

// UpdateInput holds the partial fields accepted on update.
// Nil pointers leave the stored value untouched.
type UpdateInput struct {
	Name     *string
	URL      *string
	Events   []string
	Headers  map[string]string
	Schema   *Schema
	IsActive *bool
}

// UseCase defines the business operations for webhook registration
type UseCase interface {
	Register(ctx context.Context, input RegisterInput) (Webhook, error)
	Update(ctx context.Context, id string, input UpdateInput) (Webhook, error)
	RotateSecret(ctx context.Context, id string) (Webhook, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Webhook, error)
	ListByProject(ctx context.Context, projectID string) ([]Webhook, error)
}

type Service struct {
	Repo Repository
}

// NewService creates a new webhook registration service with dependency injection
func NewService(repo Repository) *Service {
	return &Service{
		Repo: repo,
	}
}

// Register validates and stores a new webhook. A signing secret is
// generated when the caller does not provide one.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Webhook, error) {
	secret, err := resolveSecret(input.Secret)
	if err != nil {
		return Webhook{}, fmt.Errorf("resolving secret: %w", err)
	}

	now := time.Now()
	wh := Webhook{
		ID:            uuid.New().String(),
		ProjectID:     input.ProjectID,
		UserID:        input.UserID,
		Name:          input.Name,
		TechnicalName: input.TechnicalName,
		URL:           input.URL,
		Secret:        secret,
		Events:        input.Events,
		Headers:       input.Headers,
		Schema:        input.Schema,
		Status:        Active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := wh.Validate(); err != nil {
		return Webhook{}, fmt.Errorf("validating webhook: %w", err)
	}

	if err := s.Repo.Store(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("storing webhook: %w", err)
	}

	return wh, nil
}

// Update applies a partial update to an existing webhook
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (Webhook, error) {
	wh, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}

	if input.Name != nil {
		wh.Name = *input.Name
	}
	if input.URL != nil {
		wh.URL = *input.URL
	}
	if input.Events != nil {
		wh.Events = input.Events
	}
	if input.Headers != nil {
		wh.Headers = input.Headers
	}
	if input.Schema != nil {
		wh.Schema = input.Schema
	}
	if input.IsActive != nil {
		if *input.IsActive {
			wh.Status = Active
		} else {
			wh.Status = Inactive
		}
	}
	wh.UpdatedAt = time.Now()

	if err := wh.Validate(); err != nil {
		return Webhook{}, fmt.Errorf("validating webhook: %w", err)
	}

	if err := s.Repo.Update(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("updating webhook: %w", err)
	}

	return wh, nil
}

// RotateSecret replaces the signing secret with a freshly generated one
func (s *Service) RotateSecret(ctx context.Context, id string) (Webhook, error) {
	wh, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}

	secret, err := signature.GenerateSecret(defaultSecretSize)
	if err != nil {
		return Webhook{}, fmt.Errorf("generating secret: %w", err)
	}

	wh.Secret = secret
	wh.UpdatedAt = time.Now()

	if err := s.Repo.Update(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("updating webhook: %w", err)
	}

	return wh, nil
}

// Delete removes a webhook registration. Ledger history survives.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.Repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	return nil
}

// Get retrieves a webhook by ID
func (s *Service) Get(ctx context.Context, id string) (Webhook, error) {
	wh, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}
	return wh, nil
}

// ListByProject retrieves all webhooks registered for a project
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]Webhook, error) {
	whs, err := s.Repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	return whs, nil
}

func resolveSecret(raw string) (signature.Secret, error) {
	if raw == "" {
		return signature.GenerateSecret(defaultSecretSize)
	}
	return signature.ParseSecret(raw)
}
