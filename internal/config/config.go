package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "BRAINFEED"
	defaultWebName         = "brain-feed-reader"
	defaultWebVersion      = 1
	defaultFilename        = "brain-feed.db"
	defaultBridgeAddress   = "127.0.0.1:8790"
	defaultTokenTTLMinutes = 60
	defaultLogLevel        = "info"
)

// WebConfig configures the object store backend.
type WebConfig struct {
	Name    string
	Version int
	// Dir keeps the object store on disk instead of in memory outside the browser.
	Dir string
}

// DesktopConfig configures the SQLite backend.
type DesktopConfig struct {
	Filename      string
	Verbose       bool
	FileMustExist bool
}

// BridgeConfig configures both ends of the storage bridge.
type BridgeConfig struct {
	Address        string
	Socket         string
	URL            string
	SigningSecret  string
	Token          string
	TokenTTL       time.Duration
	AllowedOrigins []string
}

// AppConfig captures runtime configuration for the reader's storage layer.
type AppConfig struct {
	Platform platform.Type
	Web      WebConfig
	Desktop  DesktopConfig
	Bridge   BridgeConfig
	LogLevel string
}

// LoadDotEnv copies variables from .env files into the environment. Variables
// already set win. Without paths it reads ./.env when one exists; every path
// named explicitly must be readable.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load env file %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("platform", "")
	configViper.SetDefault("web.name", defaultWebName)
	configViper.SetDefault("web.version", defaultWebVersion)
	configViper.SetDefault("web.dir", "")
	configViper.SetDefault("desktop.filename", defaultFilename)
	configViper.SetDefault("desktop.options.verbose", false)
	configViper.SetDefault("desktop.options.file_must_exist", false)
	configViper.SetDefault("bridge.address", defaultBridgeAddress)
	configViper.SetDefault("bridge.socket", "")
	configViper.SetDefault("bridge.url", "")
	configViper.SetDefault("bridge.signing_secret", "")
	configViper.SetDefault("bridge.token", "")
	configViper.SetDefault("bridge.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("bridge.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	platformType, err := platform.ParseType(configViper.GetString("platform"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		Platform: platformType,
		Web: WebConfig{
			Name:    strings.TrimSpace(configViper.GetString("web.name")),
			Version: configViper.GetInt("web.version"),
			Dir:     strings.TrimSpace(configViper.GetString("web.dir")),
		},
		Desktop: DesktopConfig{
			Filename:      strings.TrimSpace(configViper.GetString("desktop.filename")),
			Verbose:       configViper.GetBool("desktop.options.verbose"),
			FileMustExist: configViper.GetBool("desktop.options.file_must_exist"),
		},
		Bridge: BridgeConfig{
			Address:        strings.TrimSpace(configViper.GetString("bridge.address")),
			Socket:         strings.TrimSpace(configViper.GetString("bridge.socket")),
			URL:            strings.TrimSpace(configViper.GetString("bridge.url")),
			SigningSecret:  configViper.GetString("bridge.signing_secret"),
			Token:          strings.TrimSpace(configViper.GetString("bridge.token")),
			TokenTTL:       time.Duration(configViper.GetInt("bridge.token_ttl_minutes")) * time.Minute,
			AllowedOrigins: splitOrigins(configViper.GetStringSlice("bridge.allowed_origins")),
		},
		LogLevel: configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Web.Name == "" {
		return fmt.Errorf("web.name is required")
	}
	if c.Web.Version < 1 {
		return fmt.Errorf("web.version must be at least 1")
	}
	if c.Desktop.Filename == "" {
		return fmt.Errorf("desktop.filename is required")
	}
	if c.Bridge.TokenTTL <= 0 {
		return fmt.Errorf("bridge.token_ttl_minutes must be positive")
	}
	return nil
}

// RequireSigningSecret fails when the bridge cannot issue or check tokens.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.Bridge.SigningSecret) == "" {
		return fmt.Errorf("bridge.signing_secret is required")
	}
	return nil
}

// env values arrive as one comma separated string
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
