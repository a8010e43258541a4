package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for dialplane.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Telephony   TelephonyConfig  `yaml:"telephony"`
	Relay       RelayConfig      `yaml:"relay"`
	Fallback    FallbackConfig   `yaml:"fallback"`
	DeadLetters DeadLetterConfig `yaml:"dead_letters"`
	Compliance  ComplianceConfig `yaml:"compliance"`
	Translate   TranslateConfig  `yaml:"translate"`
	Agents      []AgentConfig    `yaml:"agents"`
	Logging     LoggingConfig    `yaml:"logging"`
	Tracing     TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`

	// PublicURL is the externally reachable base URL the telephony provider
	// uses for webhooks and the relay socket.
	PublicURL string `yaml:"public_url"`
}

type TelephonyConfig struct {
	Provider   string `yaml:"provider"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type RelayConfig struct {
	// SamplingTimeout bounds one agent sampling request. This is the only
	// timeout inside the relay loop.
	SamplingTimeout time.Duration `yaml:"sampling_timeout"`

	// IdleCeiling evicts sessions with no activity for this long, bounding
	// memory when the provider never sends a close event.
	IdleCeiling   time.Duration `yaml:"idle_ceiling"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaticReply is spoken when no agent is reachable and no fallback
	// engine is configured.
	StaticReply string `yaml:"static_reply"`

	MaxTranscriptTurns int `yaml:"max_transcript_turns"`
}

type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider selects the generator backend: "openai" or "anthropic".
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	Instructions string `yaml:"instructions"`
}

type DeadLetterConfig struct {
	// Path is the SQLite database file. ":memory:" keeps letters in process
	// memory, which forfeits durability and is only suitable for tests.
	Path string `yaml:"path"`
}

type ComplianceConfig struct {
	// QuietHoursStart/End bound outbound calling in local time, "HH:MM".
	// Empty disables the quiet-hours rule.
	QuietHoursStart string   `yaml:"quiet_hours_start"`
	QuietHoursEnd   string   `yaml:"quiet_hours_end"`
	BlockedNumbers  []string `yaml:"blocked_numbers"`
}

type TranslateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// AgentConfig maps a called address to the agent that answers it.
type AgentConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Language string `yaml:"language"`
	VoiceID  string `yaml:"voice_id"`
	Greeting string `yaml:"greeting"`

	// Instructions seed the system prompt for calls answered on this
	// agent's address.
	Instructions string `yaml:"instructions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3100
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Telephony.Provider == "" {
		cfg.Telephony.Provider = "twilio"
	}
	if cfg.Relay.SamplingTimeout == 0 {
		cfg.Relay.SamplingTimeout = 8 * time.Second
	}
	if cfg.Relay.IdleCeiling == 0 {
		cfg.Relay.IdleCeiling = 15 * time.Minute
	}
	if cfg.Relay.SweepInterval == 0 {
		cfg.Relay.SweepInterval = time.Minute
	}
	if cfg.Relay.StaticReply == "" {
		cfg.Relay.StaticReply = "I'm sorry, the person you're trying to reach is currently unavailable. Please try again later."
	}
	if cfg.Relay.MaxTranscriptTurns == 0 {
		cfg.Relay.MaxTranscriptTurns = 100
	}
	if cfg.Fallback.Provider == "" {
		cfg.Fallback.Provider = "openai"
	}
	if cfg.DeadLetters.Path == "" {
		cfg.DeadLetters.Path = "dialplane.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	provider := c.Telephony.Provider
	if provider == "" {
		provider = "twilio"
	}
	if provider == "twilio" {
		if c.Telephony.AuthToken == "" {
			return fmt.Errorf("config: telephony.auth_token is required for webhook signature validation")
		}
		if c.Telephony.AccountSID == "" {
			return fmt.Errorf("config: telephony.account_sid is required for provider twilio")
		}
	}
	if c.Fallback.Enabled && c.Fallback.APIKey == "" {
		return fmt.Errorf("config: fallback.api_key is required when fallback is enabled")
	}
	seen := map[string]string{}
	for _, agent := range c.Agents {
		if agent.ID == "" || agent.Address == "" {
			return fmt.Errorf("config: agents entries require both id and address")
		}
		if prev, dup := seen[agent.Address]; dup {
			return fmt.Errorf("config: address %s mapped to both %s and %s", agent.Address, prev, agent.ID)
		}
		seen[agent.Address] = agent.ID
	}
	return nil
}
