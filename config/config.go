package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. Its absence is not an
// error.
const DefaultPath = "timedrive.yaml"

// Config represents the complete gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Identity   IdentityConfig   `yaml:"identity"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	UI         UIConfig         `yaml:"ui"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Port            int    `yaml:"port" validate:"min=1,max=65535"`
	BindAddress     string `yaml:"bind_address"`
	AcceptTimeoutMS int    `yaml:"accept_timeout_ms" validate:"min=0"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms" validate:"min=0"`
	MaxConnections  int    `yaml:"max_connections" validate:"min=0"`
	SyncChannel     string `yaml:"sync_channel"`
	RecentRequests  int    `yaml:"recent_requests" validate:"min=0"`
}

// IdentityConfig selects how requests map to sessions
type IdentityConfig struct {
	Mode string `yaml:"mode" validate:"oneof=off ip auth combo 1 2 3 4"`
}

// DownstreamConfig describes the data server behind the gateway
type DownstreamConfig struct {
	// Address is host[:port]; ":port" means localhost and a bare host means
	// port 80. Empty means use the host from absolute-form requests.
	Address        string `yaml:"address"`
	PassThrough    bool   `yaml:"pass_through"`
	SecureRedirect bool   `yaml:"secure_redirect" validate:"excluded_with=PassThrough"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms" validate:"min=0"`
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms" validate:"min=0"`
}

// AdminConfig contains admin interface settings
type AdminConfig struct {
	// Address enables the admin HTTP server when set, e.g. 127.0.0.1:4001.
	Address string `yaml:"address" validate:"omitempty,hostname_port"`

	// RequestsPerMinute limits each client IP; zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=0"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	// Debug is the legacy numeric verbosity; it wins over Level when set.
	Debug         int    `yaml:"debug" validate:"min=0,max=9"`
	File          bool   `yaml:"file"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days" validate:"min=0"`
}

// UIConfig selects the local console
type UIConfig struct {
	Mode      string `yaml:"mode" validate:"oneof=auto headless tview"`
	RefreshMS int    `yaml:"refresh_ms" validate:"min=0"`

	// StatsIntervalS is how often the stats summary is logged when headless.
	StatsIntervalS int `yaml:"stats_interval_s" validate:"min=0"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in name order.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when path is the
// default location and does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files in config directory %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.Server.AcceptTimeoutMS == 0 {
		c.Server.AcceptTimeoutMS = 1000
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 1000
	}
	if c.Server.RecentRequests == 0 {
		c.Server.RecentRequests = 200
	}
	if strings.TrimSpace(c.Identity.Mode) == "" {
		c.Identity.Mode = "combo"
	}
	c.Identity.Mode = strings.ToLower(strings.TrimSpace(c.Identity.Mode))
	if c.Downstream.DialTimeoutMS == 0 {
		c.Downstream.DialTimeoutMS = 5000
	}
	if c.Downstream.FetchTimeoutMS == 0 {
		c.Downstream.FetchTimeoutMS = 10000
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
	if c.UI.Mode == "" {
		c.UI.Mode = "auto"
	}
	if c.UI.RefreshMS == 0 {
		c.UI.RefreshMS = 1000
	}
	if c.UI.StatsIntervalS == 0 {
		c.UI.StatsIntervalS = 60
	}
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Lines describes the effective configuration for the startup log.
func (c *Config) Lines() []string {
	downstream := c.Downstream.Address
	if downstream == "" {
		downstream = "(from request)"
	}
	mode := "redirect"
	if c.Downstream.PassThrough {
		mode = "pass-through"
	} else if c.Downstream.SecureRedirect {
		mode = "redirect (https)"
	}
	lines := []string{
		fmt.Sprintf("Listener: %s:%d (accept timeout %dms, read timeout %dms)", c.Server.BindAddress, c.Server.Port, c.Server.AcceptTimeoutMS, c.Server.ReadTimeoutMS),
		fmt.Sprintf("Downstream: %s, mode %s", downstream, mode),
		fmt.Sprintf("Identity mode: %s", c.Identity.Mode),
	}
	if c.Server.SyncChannel != "" {
		lines = append(lines, fmt.Sprintf("Sync channel: %s", c.Server.SyncChannel))
	}
	if c.Admin.Address != "" {
		lines = append(lines, fmt.Sprintf("Admin: http://%s", c.Admin.Address))
	}
	if c.Logging.File {
		lines = append(lines, fmt.Sprintf("Log files: %s (retention %d days)", c.Logging.Dir, c.Logging.RetentionDays))
	}
	return lines
}
