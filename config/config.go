// Package config loads the relayer configuration from environment variables,
// an optional .env file and an optional yaml config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	// API server
	APIHost string
	APIPort int

	// Persistent storage directory
	DataDir string

	// Logging
	LogLevel  string
	LogOutput string

	// Chain access: one or more RPC endpoints as "url" or "url=weight"
	Web3Endpoints []string
	// Hex private key of the gas-paying relayer account
	PrivateKey string
	// Privacy pool contract address
	PoolAddress string

	// Pipeline tunables
	Workers         int
	POIPollInterval time.Duration
	POITimeout      time.Duration
	ResyncTimeout   time.Duration
	TxTimeout       time.Duration

	// DevMode runs against the in-memory pool simulator and requires no
	// chain access.
	DevMode bool
}

// Load reads configuration from environment variables (VEILPAY_ prefix), an
// optional .env file in the working directory and an optional
// .veilpay-relayer.yaml config file.
func Load() (*Config, error) {
	// .env values become regular environment variables for viper to pick up
	_ = godotenv.Load()

	viper.SetConfigName(".veilpay-relayer")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	viper.SetDefault("api_host", "0.0.0.0")
	viper.SetDefault("api_port", 8080)
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_output", "stdout")
	viper.SetDefault("workers", 2)
	viper.SetDefault("poi_poll_interval", "5s")
	viper.SetDefault("poi_timeout", "2m")
	viper.SetDefault("resync_timeout", "30s")
	viper.SetDefault("tx_timeout", "2m")

	viper.SetEnvPrefix("VEILPAY")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()

	cfg := &Config{
		APIHost:         viper.GetString("api_host"),
		APIPort:         viper.GetInt("api_port"),
		DataDir:         viper.GetString("data_dir"),
		LogLevel:        viper.GetString("log_level"),
		LogOutput:       viper.GetString("log_output"),
		Web3Endpoints:   splitList(viper.GetString("web3_endpoints")),
		PrivateKey:      viper.GetString("private_key"),
		PoolAddress:     viper.GetString("pool_address"),
		Workers:         viper.GetInt("workers"),
		POIPollInterval: viper.GetDuration("poi_poll_interval"),
		POITimeout:      viper.GetDuration("poi_timeout"),
		ResyncTimeout:   viper.GetDuration("resync_timeout"),
		TxTimeout:       viper.GetDuration("tx_timeout"),
		DevMode:         viper.GetBool("dev"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for the fields that have no
// usable default.
func (c *Config) Validate() error {
	if c.DevMode {
		return nil
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("relayer private key not set; set VEILPAY_PRIVATE_KEY or run with dev mode")
	}
	if len(c.Web3Endpoints) == 0 {
		return fmt.Errorf("no web3 endpoints configured; set VEILPAY_WEB3_ENDPOINTS")
	}
	if c.PoolAddress == "" {
		return fmt.Errorf("privacy pool address not set; set VEILPAY_POOL_ADDRESS")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
