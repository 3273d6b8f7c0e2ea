package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/submission"
	"gopkg.in/yaml.v3"
)

const (
	RoleBackground = "background"
	RoleMediator   = "mediator"
)

type Config struct {
	Role string `yaml:"role" toml:"role"`
	// BridgeAddr is where the background listens and the mediator dials.
	BridgeAddr string `yaml:"bridge_addr" toml:"bridge_addr"`
	// PageAddr is where the mediator accepts the page socket.
	PageAddr  string   `yaml:"page_addr" toml:"page_addr"`
	Whitelist []string `yaml:"whitelist" toml:"whitelist"`
	LogLevel  string   `yaml:"log_level" toml:"log_level"`

	Timeouts       map[string]time.Duration `yaml:"timeouts" toml:"timeouts"`
	ReconnectDelay time.Duration            `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ImportantTypes []string                 `yaml:"important_types" toml:"important_types"`
	BufferLimit    int                      `yaml:"buffer_limit" toml:"buffer_limit"`
	BufferMaxAge   time.Duration            `yaml:"buffer_max_age" toml:"buffer_max_age"`
	PageWait       time.Duration            `yaml:"page_wait" toml:"page_wait"`

	Queue      submission.Settings `yaml:"queue" toml:"queue"`
	StoreDSN   string              `yaml:"store_dsn" toml:"store_dsn"`
	JournalDir string              `yaml:"journal_dir" toml:"journal_dir"`

	BackendURL   string `yaml:"backend_url" toml:"backend_url"`
	SettingsFile string `yaml:"settings_file" toml:"settings_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Role:           RoleBackground,
		BridgeAddr:     "localhost:3050",
		PageAddr:       "localhost:3060",
		Whitelist:      []string{"127.0.0.1"},
		LogLevel:       "info",
		Timeouts:       map[string]time.Duration{},
		ReconnectDelay: time.Second,
		ImportantTypes: []string{dto.TypeProcessVote, dto.TypeSubmitTranslation},
		BufferLimit:    50,
		BufferMaxAge:   time.Minute,
		PageWait:       5 * time.Second,
		Queue:          submission.DefaultSettings(),
		StoreDSN:       "memory://",
		BackendURL:     "http://localhost:8080",
	}
}

// Load reads the file at path over the defaults. The format is chosen by extension:
// .toml for TOML, anything else is parsed as YAML. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		if err := yaml.Unmarshal(raw, conf); err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
	}

	return conf, conf.Validate()
}

// Validate checks the fields the entry point cannot default.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleBackground, RoleMediator:
	default:
		return errors.Errorf("unknown role %q (background or mediator)", c.Role)
	}
	if c.BridgeAddr == "" {
		return errors.New("bridge_addr is empty")
	}
	if c.Role == RoleMediator && c.PageAddr == "" {
		return errors.New("page_addr is empty")
	}
	for typ, d := range c.Timeouts {
		if d <= 0 {
			return errors.Errorf("timeout for %s must be positive, got %s", typ, d)
		}
	}
	return nil
}

// includes checks that the 'arr' includes 'value'
func includes(arr []string, value string) bool {
	for i := range arr {
		if arr[i] == value {
			return true
		}
	}
	return false
}

// Allowed reports whether host may open a bridge stream. An empty whitelist allows all.
func (c *Config) Allowed(host string) bool {
	return len(c.Whitelist) == 0 || includes(c.Whitelist, host)
}
