// Package config loads process configuration from an optional yaml
// file overridden by EXCHANGE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Node configures an exchange node process.
type Node struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	AdvertiseAddr   string `mapstructure:"advertise_addr"`
	CoordinatorAddr string `mapstructure:"coordinator_addr"`
	DataDir         string `mapstructure:"data_dir"`
	OpsAddr         string `mapstructure:"ops_addr"`
	LogLevel        string `mapstructure:"log_level"`
}

// Coordinator configures the coordinator process.
type Coordinator struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
	OpsAddr    string `mapstructure:"ops_addr"`
	LogLevel   string `mapstructure:"log_level"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadNode reads node configuration. path may be empty.
func LoadNode(path string) (*Node, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("listen_addr", "127.0.0.1:0")
	v.SetDefault("coordinator_addr", "127.0.0.1:4000")
	v.SetDefault("data_dir", "data")
	v.SetDefault("ops_addr", "")
	v.SetDefault("log_level", "info")

	var cfg Node
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CoordinatorAddr == "" {
		return nil, fmt.Errorf("coordinator_addr required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir required")
	}
	return &cfg, nil
}

// LoadCoordinator reads coordinator configuration. path may be empty.
func LoadCoordinator(path string) (*Coordinator, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("listen_addr", "127.0.0.1:4000")
	v.SetDefault("data_dir", "coordinator-data")
	v.SetDefault("ops_addr", "")
	v.SetDefault("log_level", "info")

	var cfg Coordinator
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir required")
	}
	return &cfg, nil
}
