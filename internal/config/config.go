// Package config loads runner configuration from the environment with an
// optional runner.yaml overlay. Environment variables always win, so a
// worker can be pointed at another store without touching the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults documented in the external interface contract.
const (
	DefaultDBPath       = "./tasks.db"
	DefaultRunsDir      = "./runs"
	DefaultLeaseSeconds = 300
	DefaultPollInterval = 2 * time.Second
	DefaultInterpreter  = "python3"

	DefaultNeo4jURI      = "bolt://localhost:7687"
	DefaultNeo4jUser     = "neo4j"
	DefaultNeo4jDatabase = "hybridgraph"
)

// Neo4jConfig holds the request-store connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// OTelConfig holds tracing/metrics settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the resolved runner configuration.
type Config struct {
	DBPath       string        `yaml:"db_path"`
	RunsDir      string        `yaml:"runs_dir"`
	LeaseSeconds int           `yaml:"lease_seconds"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Interpreter  string        `yaml:"interpreter"`
	LogLevel     string        `yaml:"log_level"`
	DataDir      string        `yaml:"data_dir"`

	Neo4j Neo4jConfig `yaml:"neo4j"`
	OTel  OTelConfig  `yaml:"otel"`
}

// Load resolves configuration: defaults, then runner.yaml (if present in
// the data dir or cwd), then environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:       DefaultDBPath,
		RunsDir:      DefaultRunsDir,
		LeaseSeconds: DefaultLeaseSeconds,
		PollInterval: DefaultPollInterval,
		Interpreter:  DefaultInterpreter,
		LogLevel:     "info",
		Neo4j: Neo4jConfig{
			URI:      DefaultNeo4jURI,
			User:     DefaultNeo4jUser,
			Database: DefaultNeo4jDatabase,
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "runner",
			SampleRate:  1.0,
		},
	}

	if path := findConfigFile(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.DataDir == "" {
			cfg.DataDir = filepath.Dir(path)
		}
	}

	applyEnv(cfg)

	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}

// ConfigFileName is the yaml overlay file looked up in RUNNER_HOME and cwd.
const ConfigFileName = "runner.yaml"

func findConfigFile() string {
	if home := os.Getenv("RUNNER_HOME"); home != "" {
		p := filepath.Join(home, ConfigFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TASK_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("TASK_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("TASK_INTERPRETER"); v != "" {
		cfg.Interpreter = v
	}
	if v := os.Getenv("RUNNER_HOME"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RUNNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USER"); v != "" {
		cfg.Neo4j.User = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		cfg.Neo4j.Database = v
	}

	if v := os.Getenv("RUNNER_OTEL_ENABLED"); v != "" {
		cfg.OTel.Enabled = isTruthy(v)
	}
	if v := os.Getenv("RUNNER_OTEL_EXPORTER"); v != "" {
		cfg.OTel.Exporter = v
	}
	if v := os.Getenv("RUNNER_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Lease returns the configured lease duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}
