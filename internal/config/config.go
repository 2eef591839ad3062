// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp2go-relay/internal/provider"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in the provider field.
const (
	ProviderSMTP2GO = "smtp2go"
	ProviderSES     = "ses"
	ProviderStdout  = "stdout"
)

// Defaults for the SMTP2GO section.
const (
	DefaultSMTP2GOEndpoint = "https://api.smtp2go.com/v3"
	DefaultSMTP2GOTimeout  = 30 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SMTP2GO  SMTP2GOConfig `yaml:"smtp2go"`
	SES      SESConfig     `yaml:"ses"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" validate:"required"`
	Hostname       string `yaml:"hostname" validate:"required,hostname_rfc1123"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password" validate:"required_with=Username"`
	MaxMessageSize int64  `yaml:"max_message_size" validate:"gt=0"`
}

// SMTP2GOConfig holds SMTP2GO API configuration.
type SMTP2GOConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"required,url"`
	APIKey   string        `yaml:"api_key" validate:"required"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	Sender          string `yaml:"sender" validate:"omitempty,email"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// ValidationError maps a yaml field path to its failure message.
type ValidationError map[string]string

func (ve ValidationError) Error() string {
	keys := make([]string, 0, len(ve))
	for k := range ve {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+ve[k])
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SMTP2GOConfigured returns true if an SMTP2GO API key is set.
func (c *Config) SMTP2GOConfigured() bool {
	return c.SMTP2GO.APIKey != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ResolvedProvider returns the provider to use. When none is set it picks
// smtp2go if an API key is configured, then ses, then stdout; auto reports
// whether that detection happened.
func (c *Config) ResolvedProvider() (name string, auto bool) {
	if c.Provider != "" {
		return c.Provider, false
	}
	switch {
	case c.SMTP2GOConfigured():
		return ProviderSMTP2GO, true
	case c.SESConfigured():
		return ProviderSES, true
	default:
		return ProviderStdout, true
	}
}

// ProviderSettings returns the settings bag for the named provider.
func (c *Config) ProviderSettings(name string) provider.Settings {
	switch name {
	case ProviderSMTP2GO:
		return provider.Settings{
			"endpoint": c.SMTP2GO.Endpoint,
			"api_key":  c.SMTP2GO.APIKey,
			"timeout":  c.SMTP2GO.Timeout.String(),
		}
	case ProviderSES:
		return provider.Settings{
			"region":            c.SES.Region,
			"access_key_id":     c.SES.AccessKeyID,
			"secret_access_key": c.SES.SecretAccessKey,
			"sender":            c.SES.Sender,
		}
	default:
		return provider.Settings{}
	}
}

// Validate checks the SMTP, TLS and logging sections plus the section of the
// resolved provider.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	sections := []struct {
		name  string
		value any
	}{
		{"smtp", &c.SMTP},
		{"tls", &c.TLS},
		{"logging", &c.Logging},
	}

	name, _ := c.ResolvedProvider()
	switch name {
	case ProviderSMTP2GO:
		sections = append(sections, struct {
			name  string
			value any
		}{"smtp2go", &c.SMTP2GO})
	case ProviderSES:
		sections = append(sections, struct {
			name  string
			value any
		}{"ses", &c.SES})
	case ProviderStdout:
	default:
		return fmt.Errorf("%w: %q", provider.ErrUnknownProvider, name)
	}

	verr := ValidationError{}
	for _, s := range sections {
		err := v.Struct(s.value)
		if err == nil {
			continue
		}
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verr[s.name+"."+fe.Field()] = describe(fe)
		}
	}

	if len(verr) > 0 {
		return verr
	}
	return nil
}

// describe renders a field error as a short message.
func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return "is required when " + strings.ToLower(fe.Param()) + " is set"
	case "oneof":
		return "must be one of " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "hostname_rfc1123":
		return "must be a valid hostname"
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP2GO.Endpoint = DefaultSMTP2GOEndpoint
	c.SMTP2GO.Timeout = DefaultSMTP2GOTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("SMTP2GO_ENDPOINT"); v != "" {
		c.SMTP2GO.Endpoint = v
	}
	if v := os.Getenv("SMTP2GO_API_KEY"); v != "" {
		c.SMTP2GO.APIKey = v
	}
	if v := os.Getenv("SMTP2GO_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP2GO_TIMEOUT %q: %w", v, err)
		}
		c.SMTP2GO.Timeout = d
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return nil
}
