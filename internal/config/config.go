// Package config loads the kernel process configuration: config/kernel.yaml
// overlaid with environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/service_kernel/internal/kernel"
	"github.com/R3E-Network/service_kernel/internal/transport"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

// DefaultPath is where Load looks for the configuration file.
var DefaultPath = filepath.Join("config", "kernel.yaml")

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"KERNEL_HTTP_ADDR"`
	// HubQueue names the queue inbound websocket frames are published to.
	// Empty drops them.
	HubQueue string `yaml:"hub_queue" env:"KERNEL_HUB_QUEUE"`
}

type MetricsConfig struct {
	Namespace   string `yaml:"namespace" env:"KERNEL_METRICS_NAMESPACE"`
	EventBuffer int    `yaml:"event_buffer" env:"KERNEL_EVENT_BUFFER"`
}

// Resource is one cache or queue to install at boot. Everything besides
// name is passed to the backend as its JSON configuration document.
type Resource struct {
	Name   string
	Config map[string]any
}

func (r *Resource) UnmarshalYAML(node *yaml.Node) error {
	var doc map[string]any
	if err := node.Decode(&doc); err != nil {
		return err
	}
	name, _ := doc["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("line %d: resource name is required", node.Line)
	}
	delete(doc, "name")
	r.Name = name
	r.Config = doc
	return nil
}

// Document returns the install document for the resource.
func (r Resource) Document() ([]byte, error) {
	return json.Marshal(r.Config)
}

// Config is the full process configuration.
type Config struct {
	Kernel  kernel.Config        `yaml:"kernel"`
	Logging logger.LoggingConfig `yaml:"logging"`
	HTTP    HTTPConfig           `yaml:"http"`
	Hub     transport.HubConfig  `yaml:"hub"`
	Metrics MetricsConfig        `yaml:"metrics"`
	Caches  []Resource           `yaml:"caches"`
	Queues  []Resource           `yaml:"queues"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Kernel:  kernel.DefaultConfig(),
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Hub:     transport.DefaultHubConfig(),
		Metrics: MetricsConfig{Namespace: "kernel", EventBuffer: 1024},
	}
}

// Load reads DefaultPath. A missing file yields the defaults; environment
// overrides apply either way.
func Load() (*Config, error) {
	cfg, err := LoadFromPath(DefaultPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		err = applyEnv(cfg)
	}
	return cfg, err
}

// LoadFromPath reads the YAML file at path over the defaults and then
// applies environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. It does
// not read the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse kernel config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("kernel config from env: %w", err)
	}
	return nil
}

// Validate rejects duplicate resource names. Backend types are checked at
// install time.
func (c *Config) Validate() error {
	for kind, list := range map[string][]Resource{"cache": c.Caches, "queue": c.Queues} {
		seen := make(map[string]bool, len(list))
		for _, r := range list {
			if seen[r.Name] {
				return fmt.Errorf("%s %q: duplicate name", kind, r.Name)
			}
			seen[r.Name] = true
		}
	}
	return nil
}
