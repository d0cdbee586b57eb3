package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	providerClaude = "claude"
	providerCursor = "cursor"
)

const defaultPageSize = 50

// appConfig is the explicit configuration object passed into adapters and
// clients at construction. Nothing in the pipeline reads ambient state.
type appConfig struct {
	Provider      string        `mapstructure:"provider"`
	CursorModel   string        `mapstructure:"cursor_model"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	HistoryDBPath string        `mapstructure:"history_db_path"`
	LogPath       string        `mapstructure:"log_path"`
	PageSize      int           `mapstructure:"page_size"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claudecode-tui"), nil
}

// loadConfig reads config.yaml from the state directory with CLAUDECODE_*
// environment overrides.
func loadConfig() (appConfig, error) {
	stateDir, err := defaultStateDir()
	if err != nil {
		return appConfig{}, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)
	v.AddConfigPath(".")
	v.SetEnvPrefix("CLAUDECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", providerClaude)
	v.SetDefault("cursor_model", "gpt-5")
	v.SetDefault("page_size", defaultPageSize)
	v.SetDefault("debounce", defaultDebounceWindow)
	v.SetDefault("history_db_path", filepath.Join(stateDir, "history.db"))
	v.SetDefault("log_path", filepath.Join(stateDir, "claudecode-tui.log"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return appConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Provider != providerClaude && cfg.Provider != providerCursor {
		return appConfig{}, fmt.Errorf("unknown provider %q (want %q or %q)", cfg.Provider, providerClaude, providerCursor)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	return cfg, nil
}
