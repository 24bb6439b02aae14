// Package config handles prepflow configuration loading.
//
// Configuration is read once at process start and the resulting Config
// is passed explicitly into every component constructor. Nothing in
// this package maintains global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./prepflow.yaml, ~/.config/prepflow/config.yaml,
// /etc/prepflow/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"prepflow.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "prepflow", "config.yaml"))
	}

	paths = append(paths, "/etc/prepflow/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all prepflow configuration.
type Config struct {
	Anthropic   AnthropicConfig `yaml:"anthropic"`
	Brave       BraveConfig     `yaml:"brave"`
	Models      ModelsConfig    `yaml:"models"`
	Prep        PrepConfig      `yaml:"prep"`
	Web         WebConfig       `yaml:"web"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	StagingDir  string          `yaml:"staging_dir"`
	EvidenceDir string          `yaml:"evidence_dir"`
	LogLevel    string          `yaml:"log_level"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool {
	return c.APIKey != ""
}

// ModelsConfig routes each prep agent to a model. Empty per-agent
// entries fall back to Default.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	Strategy  string `yaml:"strategy"`
	Search    string `yaml:"search"`
	Cutter    string `yaml:"cutter"`
	Organizer string `yaml:"organizer"`

	// Pricing maps model names to per-million-token USD rates, used for
	// cost attribution in the usage ledger. Models not listed are
	// treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry holds a model's USD rates per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ForRole returns the model configured for an agent role, falling back
// to the default model when no per-role override is set.
func (m ModelsConfig) ForRole(role string) string {
	var model string
	switch role {
	case "strategy":
		model = m.Strategy
	case "search":
		model = m.Search
	case "cutter":
		model = m.Cutter
	case "organizer":
		model = m.Organizer
	}
	if model == "" {
		model = m.Default
	}
	return model
}

// PrepConfig tunes the prep pipeline agents.
type PrepConfig struct {
	// PollIntervalSec is how often idle agents re-check their queues.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// SearchDelaySec is the minimum spacing between search API calls.
	SearchDelaySec int `yaml:"search_delay_sec"`
	// FetchPauseSec is the pause between consecutive article fetches.
	FetchPauseSec int `yaml:"fetch_pause_sec"`
	// MaxTaskRetries bounds how many times the search agent re-attempts
	// a failed task before durably marking it failed. Zero disables
	// retry entirely (manual retry only).
	MaxTaskRetries int `yaml:"max_task_retries"`
	// ArticleCacheSize is the fetcher's LRU article cache capacity.
	ArticleCacheSize int `yaml:"article_cache_size"`
}

// PollInterval returns the poll interval as a duration.
func (p PrepConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSec) * time.Second
}

// SearchDelay returns the search rate-limit spacing as a duration.
func (p PrepConfig) SearchDelay() time.Duration {
	return time.Duration(p.SearchDelaySec) * time.Second
}

// FetchPause returns the inter-fetch pause as a duration.
func (p PrepConfig) FetchPause() time.Duration {
	return time.Duration(p.FetchPauseSec) * time.Second
}

// WebConfig defines the optional live dashboard server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the optional telemetry bridge. The bridge is off
// unless Broker is set.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicBase  string `yaml:"topic_base"`  // default "prepflow"
	DeviceName string `yaml:"device_name"` // default "prepflow"
}

// Configured reports whether the MQTT bridge should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
			Pricing: map[string]PricingEntry{
				"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
				"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
			},
		},
		Prep: PrepConfig{
			PollIntervalSec:  2,
			SearchDelaySec:   3,
			FetchPauseSec:    1,
			MaxTaskRetries:   3,
			ArticleCacheSize: 128,
		},
		Web: WebConfig{
			Port: 8321,
		},
		MQTT: MQTTConfig{
			TopicBase:  "prepflow",
			DeviceName: "prepflow",
		},
		StagingDir:  "staging",
		EvidenceDir: "evidence",
	}
}
