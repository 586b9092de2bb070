package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	agentstream "github.com/haowjy/miow-stream-go"
	"github.com/haowjy/miow-stream-go/sources/backend"
)

// Config is the CLI configuration. Values are layered: user file, project
// file, .env and environment, then command-line flags.
type Config struct {
	APIURL           string        `yaml:"api_url"`
	Codebase         string        `yaml:"codebase"`
	Kinds            []string      `yaml:"kinds"`
	DoneDrainTimeout time.Duration `yaml:"done_drain_timeout"`
	MarkersFile      string        `yaml:"markers_file"`
	LogLevel         string        `yaml:"log_level"`
}

// Environment variables read after the config files.
const (
	envAPIURL   = "MIOW_API_URL"
	envCodebase = "MIOW_CODEBASE"
)

func defaultConfig() *Config {
	return &Config{
		APIURL:           backend.DefaultBaseURL,
		DoneDrainTimeout: agentstream.DefaultDoneDrainTimeout,
		LogLevel:         "warn",
	}
}

// LoadConfig loads ~/.miowstream/config.yaml, then ./.miowstream.yaml, then
// .env and the process environment, each layer overriding the previous one.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("could not get working directory: %w", err)
	}
	return loadConfig(home, wd, os.LookupEnv)
}

func loadConfig(home, wd string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := defaultConfig()

	// Load user-level config first
	if home != "" {
		userConfigPath := filepath.Join(home, ".miowstream", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, fmt.Errorf("error loading user config: %w", err)
			}
		}
	}

	// Project-level config overrides user-level
	projectConfigPath := filepath.Join(wd, ".miowstream.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, fmt.Errorf("error loading project config: %w", err)
		}
	}

	// .env never overrides variables already set in the environment
	envPath := filepath.Join(wd, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("error loading %s: %w", envPath, err)
		}
	}

	if v, ok := lookupEnv(envAPIURL); ok && v != "" {
		cfg.APIURL = v
	}
	if v, ok := lookupEnv(envCodebase); ok && v != "" {
		cfg.Codebase = v
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML replace the earlier layer
	return yaml.Unmarshal(data, cfg)
}

// FilterKinds resolves the configured kind names. An empty list means all kinds.
func (c *Config) FilterKinds() ([]agentstream.Kind, error) {
	return parseKinds(c.Kinds)
}

// parseKinds resolves kind names case-insensitively, so "tool_call",
// "toolcall" and "ToolCall" all name the same kind.
func parseKinds(names []string) ([]agentstream.Kind, error) {
	var kinds []agentstream.Kind
	for _, name := range names {
		k, err := parseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func parseKind(name string) (agentstream.Kind, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(name), "_", "")
	for _, k := range agentstream.AllKinds {
		if strings.EqualFold(normalized, k.String()) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q (want one of %s)", name, kindList())
}

func kindList() string {
	names := make([]string, len(agentstream.AllKinds))
	for i, k := range agentstream.AllKinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}
