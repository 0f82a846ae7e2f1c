// Package config loads server settings from flags, environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrMissingAPIKey   = errors.New("backend API key is not set (export API_KEY)")
	ErrUnknownProvider = errors.New("unknown backend provider")
)

const (
	ProviderGenAI    = "genai"
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
)

const EnvPrefix = "CONFESSIONAL"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Persona Persona       `mapstructure:"persona"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"` // openai provider only
	APIKey   string `mapstructure:"api_key"`
}

// Persona is the character the assistant plays plus the fixed strings shown
// around it.
type Persona struct {
	Name              string `mapstructure:"name"`
	UserName          string `mapstructure:"user_name"`
	SystemInstruction string `mapstructure:"system_instruction"`
	Greeting          string `mapstructure:"greeting"`
	Apology           string `mapstructure:"apology"`
	Title             string `mapstructure:"title"`
	Intro             string `mapstructure:"intro"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	defaultSystemInstruction = `あなたはシスター・マリアです。神聖な懺悔室で、人々の悩みを聞き、慰め、導きを与える慈悲深い修道女です。穏やかで、共感的で、少しフォーマルな口調で話してください。返答は簡潔かつ思慮深く、相手の心に寄り添うように心がけてください。一人称は「私」を使い、相手のことは「あなた」と呼んでください。`
	defaultGreeting          = "どのような悩みをお持ちですか。安心してお話しください。"
	defaultApology           = "申し訳ありません、現在お答えすることができません。少し時間をおいてから、もう一度お試しください。"
)

// SetDefaults registers every key so that env overrides and Unmarshal see
// them even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8100")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("backend.provider", ProviderGenAI)
	v.SetDefault("backend.model", "gemini-2.5-flash")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")

	v.SetDefault("persona.name", "シスター・マリア")
	v.SetDefault("persona.user_name", "あなた")
	v.SetDefault("persona.system_instruction", defaultSystemInstruction)
	v.SetDefault("persona.greeting", defaultGreeting)
	v.SetDefault("persona.apology", defaultApology)
	v.SetDefault("persona.title", "懺悔室")
	v.SetDefault("persona.intro", "扉の向こうで、シスター・マリアがあなたを待っています。")

	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// BindEnv wires the environment. The credential is accepted under the
// conventional names as well as the prefixed key.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("backend.api_key", EnvPrefix+"_BACKEND_API_KEY", "API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return fmt.Errorf("failed to bind api key env: %w", err)
	}
	return nil
}

// Load reads the optional config file at path, applies the environment and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case ProviderGenAI, ProviderGoogleAI, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Backend.Provider)
	}
	if strings.TrimSpace(c.Backend.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.Backend.Model == "" {
		return errors.New("backend model is not set")
	}
	if c.Persona.Apology == "" {
		return errors.New("persona apology must not be empty")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive, got %s", c.Session.IdleTimeout)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive, got %s", c.Session.SweepInterval)
	}
	return nil
}
