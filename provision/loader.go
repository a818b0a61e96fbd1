package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/marcelsud/webhook-dispatch/webhook"
	"gopkg.in/yaml.v3"
)

/* Loader bootstraps webhook registrations from webhooks.yaml.
 * Declarative provisioning for environments where registrations are
 * managed as configuration instead of through the API.
 */

// Config represents the structure of webhooks.yaml
type Config struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig represents a single webhook in the YAML file
type WebhookConfig struct {
	ProjectID     string            `yaml:"project_id"`
	Name          string            `yaml:"name"`
	TechnicalName string            `yaml:"technical_name"`
	URL           string            `yaml:"url"`
	Secret        string            `yaml:"secret"` // Optional: generated when omitted
	Events        []string          `yaml:"events"`
	Headers       map[string]string `yaml:"headers"`
	Schema        *SchemaConfig     `yaml:"payload_schema"`
}

// SchemaConfig represents a declared payload schema in the YAML file
type SchemaConfig struct {
	Version int           `yaml:"version"`
	Fields  []FieldConfig `yaml:"fields"`
}

// FieldConfig represents one schema field in the YAML file
type FieldConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// Loader holds the parsed seed entries
type Loader struct {
	entries []webhook.RegisterInput
}

// NewLoader creates a new seed loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the webhooks.yaml file
func (l *Loader) Load(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading webhooks file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parsing webhooks YAML: %w", err)
	}

	for _, wc := range config.Webhooks {
		input := webhook.RegisterInput{
			ProjectID:     wc.ProjectID,
			Name:          wc.Name,
			TechnicalName: wc.TechnicalName,
			URL:           wc.URL,
			Secret:        wc.Secret,
			Events:        wc.Events,
			Headers:       wc.Headers,
			Schema:        toSchema(wc.Schema),
		}

		if err := validateEntry(input); err != nil {
			return fmt.Errorf("validating webhook %q: %w", wc.TechnicalName, err)
		}

		l.entries = append(l.entries, input)
	}

	return nil
}

// Entries returns the parsed registration inputs
func (l *Loader) Entries() []webhook.RegisterInput {
	return l.entries
}

// Apply registers every seed entry that is not already present in its
// project, matching on technical name. Existing registrations are left
// untouched so operator changes survive restarts.
func (l *Loader) Apply(ctx context.Context, svc webhook.UseCase) error {
	for _, entry := range l.entries {
		existing, err := svc.ListByProject(ctx, entry.ProjectID)
		if err != nil {
			return fmt.Errorf("listing project %s: %w", entry.ProjectID, err)
		}

		found := false
		for _, wh := range existing {
			if wh.TechnicalName == entry.TechnicalName {
				found = true
				break
			}
		}
		if found {
			continue
		}

		if _, err := svc.Register(ctx, entry); err != nil {
			return fmt.Errorf("registering webhook %q: %w", entry.TechnicalName, err)
		}
	}

	return nil
}

func validateEntry(input webhook.RegisterInput) error {
	if input.ProjectID == "" {
		return fmt.Errorf("project_id cannot be empty")
	}
	if input.TechnicalName == "" {
		return fmt.Errorf("technical_name cannot be empty")
	}
	if input.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if len(input.Events) == 0 {
		return fmt.Errorf("webhook must subscribe to at least one event")
	}
	for _, eventType := range input.Events {
		if err := webhook.ValidateEventType(eventType); err != nil {
			return fmt.Errorf("invalid event type %q: %w", eventType, err)
		}
	}
	if input.Schema != nil {
		if err := input.Schema.Validate(); err != nil {
			return fmt.Errorf("invalid payload schema: %w", err)
		}
	}
	return nil
}

func toSchema(sc *SchemaConfig) *webhook.Schema {
	if sc == nil {
		return nil
	}

	version := sc.Version
	if version == 0 {
		version = 1
	}

	schema := &webhook.Schema{Version: version}
	for _, fc := range sc.Fields {
		schema.Fields = append(schema.Fields, webhook.Field{
			Name:        fc.Name,
			Type:        webhook.NewFieldType(fc.Type),
			Required:    fc.Required,
			Description: fc.Description,
		})
	}
	return schema
}
