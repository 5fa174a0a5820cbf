package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	LogLevel  string `mapstructure:"log_level"`
	SignalURL string `mapstructure:"signal_url"`
	Token     string `mapstructure:"token"`

	// DebugAddr enables the diagnostics API when set.
	DebugAddr   string `mapstructure:"debug_addr"`
	DebugSecret string `mapstructure:"debug_secret"`

	ICEServers      []string `mapstructure:"ice_servers"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`

	NegotiationDelay        time.Duration `mapstructure:"negotiation_delay"`
	ChannelOpenTimeout      time.Duration `mapstructure:"channel_open_timeout"`
	PrimaryConnectTimeout   time.Duration `mapstructure:"primary_connect_timeout"`
	PublisherConnectTimeout time.Duration `mapstructure:"publisher_connect_timeout"`
	MaxResumeAttempts       int           `mapstructure:"max_resume_attempts"`
	MaxFullAttempts         int           `mapstructure:"max_full_attempts"`

	PingInterval time.Duration `mapstructure:"ping_interval"`
	RejoinLimit  int           `mapstructure:"rejoin_limit"`
	RejoinWindow time.Duration `mapstructure:"rejoin_window"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default. A missing
// file is not an error.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads the given yaml file on top of the defaults. Every key can
// be overridden from the environment with the RTCSESSION_ prefix.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("RTCSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:7880/rtc")
	v.SetDefault("token", "")
	v.SetDefault("debug_addr", "")
	v.SetDefault("debug_secret", "rtcsession-debug")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("include_loopback", false)
	v.SetDefault("negotiation_delay", "100ms")
	v.SetDefault("channel_open_timeout", "10s")
	v.SetDefault("primary_connect_timeout", "10s")
	v.SetDefault("publisher_connect_timeout", "10s")
	v.SetDefault("max_resume_attempts", 1)
	v.SetDefault("max_full_attempts", 1)
	v.SetDefault("ping_interval", "15s")
	v.SetDefault("rejoin_limit", 3)
	v.SetDefault("rejoin_window", "1m")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("signal_url", cfg.SignalURL).
		Str("debug_addr", cfg.DebugAddr).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SignalURL == "" {
		return fmt.Errorf("signal_url is required")
	}
	if c.NegotiationDelay < 0 {
		return fmt.Errorf("negotiation_delay must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"channel_open_timeout":      c.ChannelOpenTimeout,
		"primary_connect_timeout":   c.PrimaryConnectTimeout,
		"publisher_connect_timeout": c.PublisherConnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.MaxResumeAttempts < 0 || c.MaxFullAttempts < 0 {
		return fmt.Errorf("reconnect attempt limits must not be negative")
	}
	return nil
}
