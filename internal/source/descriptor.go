package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the adapter a descriptor configures.
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindPolling Kind = "polling"
	KindStream  Kind = "stream"
)

// MinPollInterval is the floor for polling cadence.
const MinPollInterval = time.Second

// WebhookConfig configures an inbound HTTP source. Secret, when set,
// enables HMAC-SHA256 signature verification of request bodies.
type WebhookConfig struct {
	Path          string  `yaml:"path" json:"path"`
	Secret        string  `yaml:"secret,omitempty" json:"secret,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// PollingConfig configures a pull source.
type PollingConfig struct {
	URL      string            `yaml:"url" json:"url"`
	Interval time.Duration     `yaml:"interval" json:"interval"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// StreamConfig configures a websocket source.
type StreamConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Descriptor is the durable definition of one external data source.
type Descriptor struct {
	ID      uuid.UUID `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Kind    Kind      `yaml:"kind" json:"kind"`
	Enabled bool      `yaml:"enabled" json:"enabled"`

	Webhook *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Polling *PollingConfig `yaml:"polling,omitempty" json:"polling,omitempty"`
	Stream  *StreamConfig  `yaml:"stream,omitempty" json:"stream,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Validate checks kind-specific configuration.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("source name is required")
	}
	switch d.Kind {
	case KindWebhook:
		if d.Webhook == nil || d.Webhook.Path == "" {
			return fmt.Errorf("webhook source %q requires a path", d.Name)
		}
	case KindPolling:
		if d.Polling == nil || d.Polling.URL == "" {
			return fmt.Errorf("polling source %q requires a url", d.Name)
		}
		if d.Polling.Interval < MinPollInterval {
			return fmt.Errorf("polling source %q interval %s is below the %s floor",
				d.Name, d.Polling.Interval, MinPollInterval)
		}
	case KindStream:
		if d.Stream == nil || d.Stream.URL == "" {
			return fmt.Errorf("stream source %q requires a url", d.Name)
		}
	default:
		return fmt.Errorf("source %q has unknown kind %q", d.Name, d.Kind)
	}
	return nil
}
