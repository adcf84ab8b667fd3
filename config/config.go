package config

import (
	"time"

	"github.com/spf13/viper"
)

type ChatCfg struct {
	WSURL              string `mapstructure:"ws_url"`
	RESTBaseURL        string `mapstructure:"rest_base_url"`
	HandshakeSeconds   int    `mapstructure:"handshake_seconds"`
	JoinPollMillis     int    `mapstructure:"join_poll_millis"`
	JoinPollAttempts   int    `mapstructure:"join_poll_attempts"`
	TypingTTLSeconds   int    `mapstructure:"typing_ttl_seconds"`
	TypingIdleSeconds  int    `mapstructure:"typing_idle_seconds"`
	OptimisticSeconds  int    `mapstructure:"optimistic_seconds"`
	PageSize           int    `mapstructure:"page_size"`
	RetryMaxElapsedSec int    `mapstructure:"retry_max_elapsed_seconds"`
}

type S3Cfg struct {
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
}

type AuthCfg struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	Development bool    `mapstructure:"development"`
	LogLevel    string  `mapstructure:"log_level"`
	Chat        ChatCfg `mapstructure:"chat"`
	S3          S3Cfg   `mapstructure:"s3"`
	Auth        AuthCfg `mapstructure:"auth"`

	// Derived
	HandshakeTimeout time.Duration
	JoinPollInterval time.Duration
	TypingTTL        time.Duration
	TypingIdle       time.Duration
	OptimisticWindow time.Duration
	RetryMaxElapsed  time.Duration
}

// Load reads config from path (optional) with APP_ env overrides, applies
// defaults and derives duration fields.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Chat.WSURL == "" {
		cfg.Chat.WSURL = "ws://localhost:8080/ws/chat"
	}
	if cfg.Chat.RESTBaseURL == "" {
		cfg.Chat.RESTBaseURL = "http://localhost:8080"
	}
	if cfg.Chat.HandshakeSeconds == 0 {
		cfg.Chat.HandshakeSeconds = 10
	}
	if cfg.Chat.JoinPollMillis == 0 {
		cfg.Chat.JoinPollMillis = 150
	}
	if cfg.Chat.JoinPollAttempts == 0 {
		cfg.Chat.JoinPollAttempts = 20
	}
	if cfg.Chat.TypingTTLSeconds == 0 {
		cfg.Chat.TypingTTLSeconds = 5
	}
	if cfg.Chat.TypingIdleSeconds == 0 {
		cfg.Chat.TypingIdleSeconds = 3
	}
	if cfg.Chat.OptimisticSeconds == 0 {
		cfg.Chat.OptimisticSeconds = 10
	}
	if cfg.Chat.PageSize == 0 {
		cfg.Chat.PageSize = 30
	}
	if cfg.Chat.RetryMaxElapsedSec == 0 {
		cfg.Chat.RetryMaxElapsedSec = 15
	}

	cfg.HandshakeTimeout = time.Duration(cfg.Chat.HandshakeSeconds) * time.Second
	cfg.JoinPollInterval = time.Duration(cfg.Chat.JoinPollMillis) * time.Millisecond
	cfg.TypingTTL = time.Duration(cfg.Chat.TypingTTLSeconds) * time.Second
	cfg.TypingIdle = time.Duration(cfg.Chat.TypingIdleSeconds) * time.Second
	cfg.OptimisticWindow = time.Duration(cfg.Chat.OptimisticSeconds) * time.Second
	cfg.RetryMaxElapsed = time.Duration(cfg.Chat.RetryMaxElapsedSec) * time.Second
	return &cfg, nil
}
