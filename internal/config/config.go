package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/OliverSchlueter/mail-relay/internal/smtp"
	"gopkg.in/yaml.v3"
)

const (
	EnvAPIKey       = "RELAY_API_KEY"
	EnvSMTPPassword = "RELAY_SMTP_PASSWORD"
)

var (
	ErrMissingAPIKey = errors.New("api_key is required")
	ErrMissingHost   = errors.New("smtp.host is required")
	ErrInvalidPort   = errors.New("smtp.port must be between 1 and 65535")
	ErrInvalidFrom   = errors.New("smtp.from must be an email address")
)

type Config struct {
	Listen             string  `yaml:"listen"`
	APIKey             string  `yaml:"api_key"`
	MaxConcurrentSends int64   `yaml:"max_concurrent_sends"`
	EventLog           string  `yaml:"event_log"`
	Logging            Logging `yaml:"logging"`
	SMTP               SMTP    `yaml:"smtp"`
}

type Logging struct {
	Level      string `yaml:"level"`
	LokiURL    string `yaml:"loki_url,omitempty"`
	EnableLoki bool   `yaml:"enable_loki"`
}

type SMTP struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	From               string   `yaml:"from"`
	Security           string   `yaml:"security,omitempty"`
	Timeout            Duration `yaml:"timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	LocalName          string   `yaml:"local_name,omitempty"`
	EscapeLeadingDots  *bool    `yaml:"escape_leading_dots,omitempty"`
	DKIM               *DKIM    `yaml:"dkim,omitempty"`
}

type DKIM struct {
	Domain         string `yaml:"domain"`
	Selector       string `yaml:"selector"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

// Duration accepts a Go duration string ("10s") or a plain integer of
// milliseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}

	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}

	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads the file at path, applies defaults and environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = 4
	}
	if c.EventLog == "" {
		c.EventLog = "logs/mail.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.LokiURL == "" {
		c.Logging.LokiURL = "http://localhost:3100/loki/api/v1/push"
	}
	if c.SMTP.Timeout.Duration == 0 {
		c.SMTP.Timeout.Duration = smtp.DefaultTimeout
	}
	if c.SMTP.EscapeLeadingDots == nil {
		escape := true
		c.SMTP.EscapeLeadingDots = &escape
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.SMTP.Password = v
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.APIKey == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	if c.SMTP.Host == "" {
		errs = append(errs, ErrMissingHost)
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if local, domain, ok := strings.Cut(c.SMTP.From, "@"); !ok || local == "" || domain == "" {
		errs = append(errs, ErrInvalidFrom)
	}
	if _, err := smtp.ResolveSecurity(c.SMTP.Security, c.SMTP.Port); err != nil {
		errs = append(errs, fmt.Errorf("smtp.security: %w", err))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.SMTP.DKIM != nil && (c.SMTP.DKIM.Domain == "" || c.SMTP.DKIM.PrivateKeyFile == "") {
		errs = append(errs, errors.New("smtp.dkim needs domain and private_key_file"))
	}

	return errors.Join(errs...)
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Account converts the smtp section into the engine's account.
func (c *Config) Account() (smtp.Account, error) {
	security, err := smtp.ResolveSecurity(c.SMTP.Security, c.SMTP.Port)
	if err != nil {
		return smtp.Account{}, err
	}

	return smtp.Account{
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		Username:           c.SMTP.Username,
		Password:           c.SMTP.Password,
		From:               c.SMTP.From,
		Security:           security,
		Timeout:            c.SMTP.Timeout.Duration,
		InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
		LocalName:          c.SMTP.LocalName,
		EscapeLeadingDots:  c.SMTP.EscapeLeadingDots == nil || *c.SMTP.EscapeLeadingDots,
	}, nil
}

// Signer loads the DKIM key, nil when signing is not configured.
func (c *Config) Signer() (*smtp.Signer, error) {
	if c.SMTP.DKIM == nil {
		return nil, nil
	}
	return smtp.LoadSigner(c.SMTP.DKIM.Domain, c.SMTP.DKIM.Selector, c.SMTP.DKIM.PrivateKeyFile)
}
