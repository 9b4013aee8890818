package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models repairline.yml.
type Config struct {
	Organization struct {
		ID string `yaml:"id"`
	} `yaml:"organization"`
	Intake struct {
		ArrivalTracking bool `yaml:"arrival_tracking"`
		CheckinEnabled  bool `yaml:"checkin_enabled"`
	} `yaml:"intake"`
	Pricing struct {
		VATRate float64 `yaml:"vat_rate"`
	} `yaml:"pricing"`
	Portal struct {
		LinkTTLHours int `yaml:"link_ttl_hours"`
	} `yaml:"portal"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Notify Notify `yaml:"notify"`
}

type Notify struct {
	IntervalSeconds int       `yaml:"interval_seconds"`
	Webhooks        []Webhook `yaml:"webhooks"`
	Redis           *Redis    `yaml:"redis"`
	MQTT            *MQTT     `yaml:"mqtt"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats an unset enabled flag as true.
func (w Webhook) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Pricing.VATRate < 0 || c.Pricing.VATRate >= 1 {
		return fmt.Errorf("config.pricing.vat_rate must be in [0,1), got %v", c.Pricing.VATRate)
	}
	if c.Portal.LinkTTLHours <= 0 {
		return fmt.Errorf("config.portal.link_ttl_hours must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if c.Notify.IntervalSeconds <= 0 {
		return fmt.Errorf("config.notify.interval_seconds must be positive")
	}
	for i, wh := range c.Notify.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.notify.webhooks[%d].url must be http(s)", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if r := c.Notify.Redis; r != nil && (r.Addr == "" || r.Stream == "") {
		return fmt.Errorf("config.notify.redis requires addr and stream")
	}
	if m := c.Notify.MQTT; m != nil {
		if m.Broker == "" || m.Topic == "" {
			return fmt.Errorf("config.notify.mqtt requires broker and topic")
		}
		if m.QoS > 2 {
			return fmt.Errorf("config.notify.mqtt.qos must be 0, 1 or 2")
		}
	}
	return nil
}

// VATRate returns the configured rate as a decimal.
func (c *Config) VATRate() decimal.Decimal {
	return decimal.NewFromFloat(c.Pricing.VATRate)
}

// LinkTTL is how long a customer portal link stays valid.
func (c *Config) LinkTTL() time.Duration {
	return time.Duration(c.Portal.LinkTTLHours) * time.Hour
}

// Interval is the notification poll interval.
func (n Notify) Interval() time.Duration {
	return time.Duration(n.IntervalSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "repairline.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  id: default-org

intake:
  arrival_tracking: false
  checkin_enabled: false

pricing:
  vat_rate: 0.20

portal:
  link_ttl_hours: 72

server:
  allow_legacy_actor_header: true

log:
  level: info
  format: json

notify:
  interval_seconds: 2
`
