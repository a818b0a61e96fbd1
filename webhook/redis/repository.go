package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-dispatch/webhook"
	"github.com/marcelsud/webhook-dispatch/webhook/signature"
	"github.com/redis/go-redis/v9"
)

/* Redis implementation of webhook.Repository
 * Uses Redis Hashes for webhook records and a Set per project as the
 * lookup index for dispatch resolution.
 */

const (
	hashPrefix         = "webhook" // Hash naming: webhook:{webhook_id}
	projectIndexPrefix = "project" // Index naming: project:{project_id}:webhooks
)

type Repository struct {
	client *redis.Client
}

// NewRepository creates a new Redis registry repository
func NewRepository(addr, password string, db int) (*Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Repository{
		client: client,
	}, nil
}

// NewRepositoryWithClient wraps an existing client, sharing the connection
// pool with the delivery ledger.
func NewRepositoryWithClient(client *redis.Client) *Repository {
	return &Repository{client: client}
}

// Store writes a webhook record and adds it to the project index
func (r *Repository) Store(ctx context.Context, wh webhook.Webhook) error {
	fields, err := toFields(wh)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, webhookKey(wh.ID), fields)
	pipe.SAdd(ctx, projectKey(wh.ProjectID), wh.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing webhook: %w", err)
	}

	return nil
}

// Update rewrites an existing webhook record
func (r *Repository) Update(ctx context.Context, wh webhook.Webhook) error {
	exists, err := r.client.Exists(ctx, webhookKey(wh.ID)).Result()
	if err != nil {
		return fmt.Errorf("checking webhook: %w", err)
	}
	if exists == 0 {
		return webhook.ErrNotFound
	}

	fields, err := toFields(wh)
	if err != nil {
		return err
	}

	if err := r.client.HSet(ctx, webhookKey(wh.ID), fields).Err(); err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}

	return nil
}

// Delete removes a webhook record and its index entry.
// Ledger entries for the webhook are untouched.
func (r *Repository) Delete(ctx context.Context, id string) error {
	wh, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, webhookKey(id))
	pipe.SRem(ctx, projectKey(wh.ProjectID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}

	return nil
}

// Get retrieves a webhook by ID
func (r *Repository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	data, err := r.client.HGetAll(ctx, webhookKey(id)).Result()
	if err != nil {
		return webhook.Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}
	if len(data) == 0 {
		return webhook.Webhook{}, webhook.ErrNotFound
	}

	return fromFields(data)
}

// ListByProject retrieves all webhooks registered for a project
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]webhook.Webhook, error) {
	ids, err := r.client.SMembers(ctx, projectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing project webhooks: %w", err)
	}

	whs := make([]webhook.Webhook, 0, len(ids))
	for _, id := range ids {
		wh, err := r.Get(ctx, id)
		if errors.Is(err, webhook.ErrNotFound) {
			// Index entry survived a concurrent delete; skip it
			continue
		}
		if err != nil {
			return nil, err
		}
		whs = append(whs, wh)
	}

	return whs, nil
}

// ListSubscribed resolves the active webhooks subscribed to an event type
func (r *Repository) ListSubscribed(ctx context.Context, projectID, eventType string) ([]webhook.Webhook, error) {
	whs, err := r.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	subscribed := make([]webhook.Webhook, 0, len(whs))
	for _, wh := range whs {
		if wh.Status.IsActive() && wh.SubscribesTo(eventType) {
			subscribed = append(subscribed, wh)
		}
	}

	return subscribed, nil
}

// Close closes the Redis connection
func (r *Repository) Close(ctx context.Context) error {
	return r.client.Close()
}

// GetClient returns the underlying Redis client for advanced operations
func (r *Repository) GetClient() *redis.Client {
	return r.client
}

// Serialization helpers

func webhookKey(id string) string {
	return fmt.Sprintf("%s:%s", hashPrefix, id)
}

func projectKey(projectID string) string {
	return fmt.Sprintf("%s:%s:webhooks", projectIndexPrefix, projectID)
}

type schemaJSON struct {
	Version int               `json:"version"`
	Fields  []schemaFieldJSON `json:"fields"`
}

type schemaFieldJSON struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

func toFields(wh webhook.Webhook) (map[string]interface{}, error) {
	eventsJSON, err := json.Marshal(wh.Events)
	if err != nil {
		return nil, fmt.Errorf("marshaling events: %w", err)
	}

	headersJSON, err := json.Marshal(wh.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshaling headers: %w", err)
	}

	schemaStr := ""
	if wh.Schema != nil {
		sj := schemaJSON{Version: wh.Schema.Version}
		for _, f := range wh.Schema.Fields {
			sj.Fields = append(sj.Fields, schemaFieldJSON{
				Name:        f.Name,
				Type:        f.Type.String(),
				Required:    f.Required,
				Description: f.Description,
			})
		}
		raw, err := json.Marshal(sj)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema: %w", err)
		}
		schemaStr = string(raw)
	}

	return map[string]interface{}{
		"id":             wh.ID,
		"project_id":     wh.ProjectID,
		"user_id":        wh.UserID,
		"name":           wh.Name,
		"technical_name": wh.TechnicalName,
		"url":            wh.URL,
		"secret":         wh.Secret.String(),
		"events":         string(eventsJSON),
		"headers":        string(headersJSON),
		"schema":         schemaStr,
		"status":         wh.Status.String(),
		"created_at":     wh.CreatedAt.Unix(),
		"updated_at":     wh.UpdatedAt.Unix(),
	}, nil
}

func fromFields(data map[string]string) (webhook.Webhook, error) {
	var events []string
	if s := data["events"]; s != "" {
		if err := json.Unmarshal([]byte(s), &events); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling events: %w", err)
		}
	}

	headers := make(map[string]string)
	if s := data["headers"]; s != "" {
		if err := json.Unmarshal([]byte(s), &headers); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	var schema *webhook.Schema
	if s := data["schema"]; s != "" {
		var sj schemaJSON
		if err := json.Unmarshal([]byte(s), &sj); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling schema: %w", err)
		}
		schema = &webhook.Schema{Version: sj.Version}
		for _, f := range sj.Fields {
			schema.Fields = append(schema.Fields, webhook.Field{
				Name:        f.Name,
				Type:        webhook.NewFieldType(f.Type),
				Required:    f.Required,
				Description: f.Description,
			})
		}
	}

	secret, err := signature.ParseSecret(data["secret"])
	if err != nil {
		return webhook.Webhook{}, fmt.Errorf("parsing stored secret: %w", err)
	}

	return webhook.Webhook{
		ID:            data["id"],
		ProjectID:     data["project_id"],
		UserID:        data["user_id"],
		Name:          data["name"],
		TechnicalName: data["technical_name"],
		URL:           data["url"],
		Secret:        secret,
		Events:        events,
		Headers:       headers,
		Schema:        schema,
		Status:        webhook.NewStatus(data["status"]),
		CreatedAt:     time.Unix(parseInt64(data["created_at"]), 0),
		UpdatedAt:     time.Unix(parseInt64(data["updated_at"]), 0),
	}, nil
}

func parseInt64(s string) int64 {
	var result int64
	fmt.Sscanf(s, "%d", &result)
	return result
}
