// Package config loads voicepal settings from voicepal.yaml and VOICEPAL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/CamScoglio/voicepal/internal/audio"
	"github.com/CamScoglio/voicepal/internal/daemon"
	"github.com/CamScoglio/voicepal/internal/db"
)

// EnvPrefix is prepended to every environment override, e.g.
// VOICEPAL_SOCKET_PATH or VOICEPAL_LOG_LEVEL.
const EnvPrefix = "VOICEPAL"

// Config is the application configuration.
type Config struct {
	SocketPath    string    `mapstructure:"socket_path" validate:"required"`
	DBPath        string    `mapstructure:"db_path" validate:"required"`
	AudioDir      string    `mapstructure:"audio_dir" validate:"required"`
	Locale        string    `mapstructure:"locale" validate:"required"`
	Device        string    `mapstructure:"device"`
	PlayerCommand []string  `mapstructure:"player_command" validate:"required,min=1,dive,required"`
	RestartLimit  int       `mapstructure:"restart_limit" validate:"gte=0"`
	Log           LogConfig `mapstructure:"log" validate:"required"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file" validate:"required"`
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// Dir returns voicepal's state directory (~/.voicepal).
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voicepal")
}

// New returns a viper instance with defaults and env bindings. When path is
// non-empty that file is read; otherwise voicepal.yaml is looked up in the
// working directory and the state directory.
func New(path string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("."))
	setDefault(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voicepal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("socket_path", daemon.SocketPath())
	v.SetDefault("db_path", db.DefaultDBPath())
	v.SetDefault("audio_dir", filepath.Join(dir, "audio"))
	v.SetDefault("locale", "en-US")
	v.SetDefault("device", "")
	v.SetDefault("player_command", audio.DefaultPlayerCommand())
	v.SetDefault("restart_limit", 0)

	v.SetDefault("log.file", filepath.Join(dir, "voicepal.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Get unmarshals and validates the configuration held by v.
func Get(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load is New followed by Get.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Get(v)
}
