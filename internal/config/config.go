// Package config loads server configuration from flags, environment
// variables, and an optional config file via Viper (§6 "Environment
// inputs recognized by the core").
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the video server.
type Config struct {
	Addr    string `mapstructure:"addr"`
	Verbose bool   `mapstructure:"verbose"`

	Pipeline struct {
		ID         string         `mapstructure:"id"`
		Prewarm    bool           `mapstructure:"prewarm"`
		LoadParams map[string]any `mapstructure:"load_params"`
	} `mapstructure:"pipeline"`

	ICE struct {
		Servers      []string `mapstructure:"servers"`
		TURNProvider string   `mapstructure:"turn_provider"`
	} `mapstructure:"ice"`

	Bitrate struct {
		MinKbps int `mapstructure:"min_kbps"`
		MaxKbps int `mapstructure:"max_kbps"`
	} `mapstructure:"bitrate"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults populates v with the server's default configuration
// before a config file or environment variables are layered on top.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8000")
	v.SetDefault("verbose", false)
	v.SetDefault("pipeline.id", "passthrough")
	v.SetDefault("pipeline.prewarm", false)
	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn_provider", "")
	v.SetDefault("bitrate.min_kbps", 5000)
	v.SetDefault("bitrate.max_kbps", 10000)
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load builds a Viper instance with defaults, optional config file, and
// environment variable overrides, then unmarshals it into a Config.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("scope-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scope-server")
	}

	v.SetEnvPrefix("SCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
