// Package config provides environment-variable configuration with an
// optional YAML file overlay and fsnotify-driven hot reload.
//
// Grounded on teacher's internal/config/config.go (LoadFromFile,
// os.ExpandEnv-based env interpolation, Validate) and manager.go (the
// atomic.Pointer[Config]-based Manager with fsnotify watch/debounce/reload),
// adapted from the gateway's Server/Providers/Routing shape to the core's
// own env surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcbound/tenantcore/internal/breaker"
	"github.com/arcbound/tenantcore/internal/connfactory"
)

// Config is the core's full runtime configuration.
type Config struct {
	Redis         RedisConfig         `yaml:"redis"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Agent         AgentConfig         `yaml:"agent"`
}

// RedisConfig mirrors the REDIS_* env vars named in the core's external
// interfaces.
type RedisConfig struct {
	URL                 string        `yaml:"url"`
	MaxConnections      int           `yaml:"max_connections"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// CircuitBreakerConfig mirrors CIRCUIT_BREAKER_*.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// AgentConfig mirrors AGENT_*: retry and breaker policy for agent-task
// queue consumers, distinct from the shared connection-level breaker.
type AgentConfig struct {
	MaxRetries               int           `yaml:"max_retries"`
	RetryDelay               time.Duration `yaml:"retry_delay"`
	CircuitBreakerThreshold  int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout    time.Duration `yaml:"circuit_breaker_timeout"`
}

// DefaultConfig mirrors the documented env-var defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:                 "redis://localhost:6379",
			MaxConnections:      40,
			ConnectTimeout:      5 * time.Second,
			OperationTimeout:    10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Agent: AgentConfig{
			MaxRetries:              3,
			RetryDelay:              time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   60 * time.Second,
		},
	}
}

// LoadFromEnv builds a Config from REDIS_*/CIRCUIT_BREAKER_*/AGENT_* env
// vars layered over DefaultConfig.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile reads a YAML overlay on top of env-derived defaults,
// expanding ${VAR} references against the process environment first
// (matching teacher's LoadFromFile).
func LoadFromFile(path string) (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects nonsensical values before the config is handed to
// connfactory/breaker construction.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.MaxConnections <= 0 {
		return fmt.Errorf("redis.max_connections must be positive")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative")
	}
	return nil
}

// ConnFactoryConfig translates the loaded config into connfactory.Config,
// parsing Redis.URL as a host:port (the redis:// scheme, if present, is
// stripped; auth/TLS via URL is intentionally unsupported here — operators
// needing that should set Password via REDIS_PASSWORD directly).
func (c *Config) ConnFactoryConfig() connfactory.Config {
	return connfactory.Config{
		Addr:                stripRedisScheme(c.Redis.URL),
		Password:            os.Getenv("REDIS_PASSWORD"),
		MaxConnections:      c.Redis.MaxConnections,
		ConnectTimeout:      c.Redis.ConnectTimeout,
		OperationTimeout:    c.Redis.OperationTimeout,
		HealthCheckInterval: c.Redis.HealthCheckInterval,
		CircuitBreaker: breaker.Config{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
		},
	}
}

func stripRedisScheme(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if err := envInt("REDIS_MAX_CONNECTIONS", &cfg.Redis.MaxConnections); err != nil {
		return err
	}
	if err := envDuration("REDIS_CONNECTION_TIMEOUT", &cfg.Redis.ConnectTimeout); err != nil {
		return err
	}
	if err := envDuration("REDIS_OPERATION_TIMEOUT", &cfg.Redis.OperationTimeout); err != nil {
		return err
	}
	if err := envDuration("REDIS_HEALTH_CHECK_INTERVAL", &cfg.Redis.HealthCheckInterval); err != nil {
		return err
	}
	if err := envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &cfg.CircuitBreaker.FailureThreshold); err != nil {
		return err
	}
	if err := envDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", &cfg.CircuitBreaker.RecoveryTimeout); err != nil {
		return err
	}
	if err := envInt("AGENT_MAX_RETRIES", &cfg.Agent.MaxRetries); err != nil {
		return err
	}
	if err := envSecondsDuration("AGENT_RETRY_DELAY_SECONDS", &cfg.Agent.RetryDelay); err != nil {
		return err
	}
	if err := envInt("AGENT_CIRCUIT_BREAKER_THRESHOLD", &cfg.Agent.CircuitBreakerThreshold); err != nil {
		return err
	}
	if err := envSecondsDuration("AGENT_CIRCUIT_BREAKER_TIMEOUT_SECONDS", &cfg.Agent.CircuitBreakerTimeout); err != nil {
		return err
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func envSecondsDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
