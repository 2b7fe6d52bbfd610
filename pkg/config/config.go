package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	// Default configuration values
	defaultLogLevel            = "info"
	defaultMinHoursSinceUpdate = 4
	defaultMetricsPeriod       = "PT30M"
	defaultTierCatalogPath     = "tierConfig.csv"
	defaultTrackingPath        = "clusterConfig.json"

	// Environment variable prefix, e.g. ATLAS_DESCALER_ATLAS_PUBLICKEY
	envPrefix = "ATLAS_DESCALER"
)

// Singleton instance for configuration
var (
	configInstance *Config
	configMutex    sync.RWMutex
)

// GetConfig returns the singleton configuration instance.
// Returns nil if configuration has not been loaded yet. Use LoadConfig() first.
func GetConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return configInstance
}

// LoadConfig loads configuration from a JSON file and environment
// variables. Environment variables override file values using the
// ATLAS_DESCALER_ prefix, which is the expected channel for the API keys.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", configPath, err)
	}

	// Bind the keys env overrides must reach even when absent from the file
	for _, key := range []string{"atlas.projectid", "atlas.publickey", "atlas.privatekey", "atlas.baseurl"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	configMutex.Lock()
	defer configMutex.Unlock()
	configInstance = config

	return config, nil
}

// SetDefaults sets default values for any missing configuration fields
func (c *Config) SetDefaults() {
	if c.Controller.LogLevel == "" {
		c.Controller.LogLevel = defaultLogLevel
	}
	if c.Controller.MinHoursSinceUpdate == 0 {
		c.Controller.MinHoursSinceUpdate = defaultMinHoursSinceUpdate
	}
	if c.Controller.MetricsPeriod == "" {
		c.Controller.MetricsPeriod = defaultMetricsPeriod
	}
	if c.Paths.TierCatalog == "" {
		c.Paths.TierCatalog = defaultTierCatalogPath
	}
	if c.Paths.ClusterTracking == "" {
		c.Paths.ClusterTracking = defaultTrackingPath
	}
}

// validLogLevels defines the allowed logging levels for the controller
var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warning": true,
	"error":   true,
}

// Validate validates the configuration and ensures all required fields
// are set. Missing credentials or project ID are the only conditions that
// abort the process at startup.
func (c *Config) Validate() error {
	if c.Atlas.ProjectID == "" {
		return fmt.Errorf("atlas.projectId is required")
	}
	if c.Atlas.PublicKey == "" {
		return fmt.Errorf("atlas.publicKey is required (set %s_ATLAS_PUBLICKEY)", envPrefix)
	}
	if c.Atlas.PrivateKey == "" {
		return fmt.Errorf("atlas.privateKey is required (set %s_ATLAS_PRIVATEKEY)", envPrefix)
	}
	if c.Controller.MinHoursSinceUpdate < 0 {
		return fmt.Errorf("controller.minHoursSinceUpdate must not be negative")
	}
	if !validLogLevels[c.Controller.LogLevel] {
		return fmt.Errorf("invalid controller.logLevel: %s. Valid values are: debug, info, warning, error", c.Controller.LogLevel)
	}
	return nil
}
