package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Learning  LearningConfig  `koanf:"learning"`
	Memory    MemoryConfig    `koanf:"memory"`
	Tools     ToolsConfig     `koanf:"tools"`
	Policy    PolicyConfig    `koanf:"policy"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	Path   string `koanf:"path"`
}

type ApprovalConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	WebhookURL    string        `koanf:"webhook_url"`
}

type DispatchConfig struct {
	WorkerTimeout time.Duration `koanf:"worker_timeout"`
	MaxAttempts   int           `koanf:"max_attempts"`
	InitialDelay  time.Duration `koanf:"initial_delay"`
	Concurrency   int           `koanf:"concurrency"` // per agent variant
}

type LearningConfig struct {
	Interval time.Duration `koanf:"interval"`
	// Reward weights. Rejection of an auto-classified risk signals
	// miscalibration and is weighted separately from plain failure.
	SuccessWeight   float64 `koanf:"success_weight"`
	FailureWeight   float64 `koanf:"failure_weight"`
	RejectionWeight float64 `koanf:"rejection_weight"`
	// Adjustment bands, as failure/rejection rates per signature class.
	EscalateFailureRate float64 `koanf:"escalate_failure_rate"`
	RelaxRejectionRate  float64 `koanf:"relax_rejection_rate"`
}

type MemoryConfig struct {
	Enabled         bool   `koanf:"enabled"`
	QdrantAddr      string `koanf:"qdrant_addr"`
	Collection      string `koanf:"collection"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
}

// ToolsConfig describes the tool-adapter server agents execute through.
type ToolsConfig struct {
	Transport string   `koanf:"transport"` // stdio, http, none
	Command   string   `koanf:"command"`
	Args      []string `koanf:"args"`
	URL       string   `koanf:"url"`
}

type PolicyConfig struct {
	SeedPath string `koanf:"seed_path"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// Global k instance
var k = koanf.New(".")

func Load(path string) (*Config, error) {
	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("server.addr", ":8080")
	k.Set("store.driver", "sqlite")
	k.Set("store.path", "opsgate.db")

	k.Set("approval.timeout", "4h")
	k.Set("approval.sweep_interval", "1m")

	k.Set("dispatch.worker_timeout", "5m")
	k.Set("dispatch.max_attempts", 3)
	k.Set("dispatch.initial_delay", "200ms")
	k.Set("dispatch.concurrency", 4)

	k.Set("learning.interval", "15m")
	k.Set("learning.success_weight", 1.0)
	k.Set("learning.failure_weight", 1.0)
	k.Set("learning.rejection_weight", 3.0)
	k.Set("learning.escalate_failure_rate", 0.5)
	k.Set("learning.relax_rejection_rate", 0.0)

	k.Set("memory.enabled", false)
	k.Set("memory.qdrant_addr", "localhost:6334")
	k.Set("memory.collection", "opsgate_outcomes")
	k.Set("memory.embedder_base_url", "http://localhost:11434")
	k.Set("memory.embedder_model", "nomic-embed-text")

	k.Set("tools.transport", "none")
	k.Set("policy.seed_path", "")

	k.Set("telemetry.exporter", "stdout")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (OPSGATE_APPROVAL_TIMEOUT -> approval.timeout)
	if err := k.Load(env.Provider("OPSGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OPSGATE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
