package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/narvanalabs/buildfarm/internal/client"
)

const defaultTimeout = 30 * time.Second

// ControlConfig is the merged flag, environment and file configuration.
type ControlConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	JSON    bool          `mapstructure:"json"`
}

// ParseConfig reads the configuration viper has collected.
func ParseConfig() (*ControlConfig, error) {
	config := &ControlConfig{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if config.APIURL == "" {
		return nil, fmt.Errorf("api_url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return config, nil
}

func NewClient() *client.Client {
	return client.NewClient(configData.APIURL).WithToken(configData.Token)
}

func DefaultDeadlineContext() (context.Context, func()) {
	return context.WithTimeout(context.Background(), configData.Timeout)
}

// printJSON writes v as indented JSON and reports whether --json was set.
func printJSON(v any) bool {
	if !configData.JSON {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
	return true
}
