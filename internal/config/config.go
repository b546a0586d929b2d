package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPath = "config/kypseli.yaml"

type Config struct {
	Swarm        SwarmConfig                `yaml:"swarm"`
	Memory       MemoryConfig               `yaml:"memory"`
	Channel      ChannelConfig              `yaml:"channel"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Web          WebConfig                  `yaml:"web"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	LLM          LLMConfig                  `yaml:"llm"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
}

type SwarmConfig struct {
	Topology  string `yaml:"topology"`
	MaxAgents int    `yaml:"max_agents"`
}

type MemoryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Passphrase enables sealing of values written to the durable store.
	Passphrase string `yaml:"passphrase"`
}

type ChannelConfig struct {
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
}

type OrchestratorConfig struct {
	DefaultStrategy string        `yaml:"default_strategy"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// AgentDefinition describes an agent the coordinator can spawn by type.
type AgentDefinition struct {
	Type         string   `yaml:"type"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	// Executor selects the work capability: "llm" or "command".
	Executor string   `yaml:"executor"`
	Command  []string `yaml:"command"`
	Prompt   string   `yaml:"prompt"`
	// Spawn starts an instance of this agent when the coordinator boots.
	Spawn bool `yaml:"spawn"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			Topology:  "hierarchical",
			MaxAgents: 8,
		},
		Memory: MemoryConfig{
			SweepInterval: time.Minute,
		},
		Channel: ChannelConfig{
			MailboxCapacity: 1000,
			DefaultTTL:      5 * time.Minute,
			MaxRetries:      3,
			BaseDelay:       time.Second,
		},
		Orchestrator: OrchestratorConfig{
			DefaultStrategy: "adaptive",
			TaskTimeout:     15 * time.Minute,
			RetryAttempts:   1,
			RetryBaseDelay:  time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/kypseli.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
	}
}

// Path returns the config file location, honoring KYPSELI_CONFIG.
func Path() string {
	if p := os.Getenv("KYPSELI_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("KYPSELI_TOPOLOGY"); v != "" {
		cfg.Swarm.Topology = v
	}
	if v := os.Getenv("KYPSELI_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
	if v := os.Getenv("KYPSELI_MEMORY_PASSPHRASE"); v != "" {
		cfg.Memory.Passphrase = v
	}
	if v := os.Getenv("KYPSELI_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("KYPSELI_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("KYPSELI_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("KYPSELI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate checks the structural sanity of the config. Agent types and
// capabilities are validated by the registry, which owns those enums.
func (c *Config) Validate() error {
	var errs []error
	if c.Swarm.MaxAgents <= 0 {
		errs = append(errs, fmt.Errorf("swarm.max_agents must be positive, got %d", c.Swarm.MaxAgents))
	}
	if c.Channel.MailboxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("channel.mailbox_capacity must be positive, got %d", c.Channel.MailboxCapacity))
	}
	if c.Channel.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("channel.max_retries must not be negative"))
	}
	if c.Orchestrator.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.retry_attempts must be at least 1"))
	}
	for name, def := range c.Agents {
		if def.Type == "" {
			errs = append(errs, fmt.Errorf("agent %s: type is required", name))
		}
		switch def.Executor {
		case "", "llm":
		case "command":
			if len(def.Command) == 0 {
				errs = append(errs, fmt.Errorf("agent %s: command executor needs a command", name))
			}
		default:
			errs = append(errs, fmt.Errorf("agent %s: unknown executor %q", name, def.Executor))
		}
	}
	return errors.Join(errs...)
}
