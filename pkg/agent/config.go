// Package agent wires the transport, breakpoint bridge and injection gateway
// to one DevTools target.
package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aivorynet/devtools-bridge/pkg/breakpoint"
	"github.com/aivorynet/devtools-bridge/pkg/capture"
)

// Config holds the agent configuration.
type Config struct {
	Endpoint       string                 `yaml:"endpoint"`
	Target         string                 `yaml:"target"`
	MaxDepth       int                    `yaml:"max_depth"`
	EvalTimeout    time.Duration          `yaml:"eval_timeout"`
	CallTimeout    time.Duration          `yaml:"call_timeout"`
	FanOutLimit    int                    `yaml:"fan_out_limit"`
	TemplateDir    string                 `yaml:"template_dir"`
	WatchTemplates bool                   `yaml:"watch_templates"`
	Constants      map[string]interface{} `yaml:"constants"`
	Debug          bool                   `yaml:"debug"`

	// Breakpoints are installed by Run.
	Breakpoints []breakpoint.Registration `yaml:"breakpoints"`

	Logger *zap.Logger `yaml:"-"`
}

// NewConfig creates a new configuration with defaults from environment variables.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		Endpoint:       getEnvOrDefault("DEVTOOLS_BRIDGE_ENDPOINT", "9222"),
		Target:         getEnvOrDefault("DEVTOOLS_BRIDGE_TARGET", ""),
		MaxDepth:       getEnvIntOrDefault("DEVTOOLS_BRIDGE_MAX_DEPTH", capture.DefaultMaxDepth),
		EvalTimeout:    getEnvDurationOrDefault("DEVTOOLS_BRIDGE_EVAL_TIMEOUT", breakpoint.DefaultTimeout),
		CallTimeout:    getEnvDurationOrDefault("DEVTOOLS_BRIDGE_CALL_TIMEOUT", 10*time.Second),
		FanOutLimit:    getEnvIntOrDefault("DEVTOOLS_BRIDGE_FAN_OUT_LIMIT", 0),
		TemplateDir:    getEnvOrDefault("DEVTOOLS_BRIDGE_TEMPLATE_DIR", "injectables"),
		WatchTemplates: getEnvOrDefault("DEVTOOLS_BRIDGE_WATCH_TEMPLATES", "false") == "true",
		Debug:          getEnvOrDefault("DEVTOOLS_BRIDGE_DEBUG", "false") == "true",
	}

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// LoadConfigFile reads a YAML file over the environment defaults. Options
// are applied last and win over the file.
func LoadConfigFile(path string, options ...ConfigOption) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, opt := range options {
		opt(cfg)
	}
	return cfg, nil
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithEndpoint sets the DevTools endpoint: a port, host:port, an http URL or
// a websocket debugger URL.
func WithEndpoint(endpoint string) ConfigOption {
	return func(c *Config) {
		c.Endpoint = endpoint
	}
}

// WithTarget sets the regular expression selecting the page target by URL.
func WithTarget(pattern string) ConfigOption {
	return func(c *Config) {
		c.Target = pattern
	}
}

// WithMaxDepth sets the default materialization depth.
func WithMaxDepth(depth int) ConfigOption {
	return func(c *Config) {
		c.MaxDepth = depth
	}
}

// WithCallTimeout bounds every CDP call that has no deadline of its own.
func WithCallTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.CallTimeout = d
	}
}

// WithTemplateDir sets the directory of named templates.
func WithTemplateDir(dir string, watch bool) ConfigOption {
	return func(c *Config) {
		c.TemplateDir = dir
		c.WatchTemplates = watch
	}
}

// WithConstants sets parameters available to every template.
func WithConstants(constants map[string]interface{}) ConfigOption {
	return func(c *Config) {
		c.Constants = constants
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithBreakpoints adds breakpoints installed by Run.
func WithBreakpoints(regs ...breakpoint.Registration) ConfigOption {
	return func(c *Config) {
		c.Breakpoints = append(c.Breakpoints, regs...)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
