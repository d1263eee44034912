package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowboard.yml.
type Config struct {
	Engine struct {
		MaxRetries      int      `yaml:"max_retries"`
		AwaitingTimeout Duration `yaml:"awaiting_timeout"`
		ActorID         string   `yaml:"actor_id"`
	} `yaml:"engine"`
	Groups struct {
		CascadeDepth  int    `yaml:"cascade_depth"`
		AutoStart     bool   `yaml:"auto_start"`
		AnalysisAgent string `yaml:"analysis_agent"`
	} `yaml:"groups"`
	Sweep struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"sweep"`
	Context struct {
		DefaultBudget int      `yaml:"default_budget"`
		Ratios        Ratios   `yaml:"ratios"`
		TypePriority  []string `yaml:"type_priority"`
	} `yaml:"context"`
	Decision struct {
		Path         string   `yaml:"path"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"decision"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig posts matching audit events to URL. An empty Events list
// matches every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) Active() bool {
	return w.URL != "" && (w.Enabled == nil || *w.Enabled)
}

// Ratios splits the context budget between artifact scopes.
type Ratios struct {
	Global float64 `yaml:"global"`
	Item   float64 `yaml:"item"`
	Path   float64 `yaml:"path"`
}

// Duration is a time.Duration that reads "30s"-style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	raw := node.Value
	if raw == "" || raw == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fb init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("config.engine.max_retries must be at least 1")
	}
	if c.Engine.AwaitingTimeout < 0 {
		return fmt.Errorf("config.engine.awaiting_timeout must not be negative")
	}
	if c.Groups.CascadeDepth < 0 {
		return fmt.Errorf("config.groups.cascade_depth must not be negative")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	if c.Context.DefaultBudget <= 0 {
		return fmt.Errorf("config.context.default_budget must be positive")
	}
	r := c.Context.Ratios
	for name, v := range map[string]float64{"global": r.Global, "item": r.Item, "path": r.Path} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.context.ratios.%s must be within [0,1]", name)
		}
	}
	if sum := r.Global + r.Item + r.Path; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("config.context.ratios must sum to 1, got %.3f", sum)
	}
	seen := map[string]bool{}
	for _, typ := range c.Context.TypePriority {
		if typ == "" {
			return fmt.Errorf("config.context.type_priority contains an empty type")
		}
		if seen[typ] {
			return fmt.Errorf("config.context.type_priority lists %s twice", typ)
		}
		seen[typ] = true
	}
	if c.Decision.Path == "" {
		return fmt.Errorf("config.decision.path is required")
	}
	if filepath.IsAbs(c.Decision.Path) {
		return fmt.Errorf("config.decision.path must be relative to the item workdir")
	}
	if c.Decision.PollInterval <= 0 {
		return fmt.Errorf("config.decision.poll_interval must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `engine:
  max_retries: 3
  # 0 disables stale-agent flagging
  awaiting_timeout: 0
  actor_id: flowboard

groups:
  cascade_depth: 2
  auto_start: true
  analysis_agent: ""

sweep:
  interval: 30s

context:
  default_budget: 8000
  ratios:
    global: 0.5
    item: 0.3
    path: 0.2
  type_priority:
    - requirement
    - decision
    - constraint
    - interface
    - pattern
    - learning
    - summary
    - note

decision:
  path: .flowboard/decision.json
  poll_interval: 2s

log:
  level: info
  file: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0

# webhooks:
#   - url: https://example.com/flowboard
#     events: [item.resolved, group.closed]
webhooks: []
`
