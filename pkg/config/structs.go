package config

import "path/filepath"

// Config represents the complete controller configuration structure.
type Config struct {
	Atlas      AtlasConfig      `json:"atlas"`
	Controller ControllerConfig `json:"controller"`
	Paths      PathsConfig      `json:"paths"`
}

// AtlasConfig holds the Atlas API connection settings. ProjectID and the
// API key pair are required; keys are normally supplied via environment
// variables rather than the config file.
type AtlasConfig struct {
	ProjectID  string `json:"projectId"`  // Atlas project (group) ID
	PublicKey  string `json:"publicKey"`  // Atlas programmatic API public key
	PrivateKey string `json:"privateKey"` // Atlas programmatic API private key
	BaseURL    string `json:"baseUrl"`    // API endpoint override, empty for cloud.mongodb.com
}

// ControllerConfig holds the decision parameters and operational settings.
type ControllerConfig struct {
	LogLevel            string `json:"logLevel"`            // Logging level: debug, info, warning, error
	LogDir              string `json:"logDir"`              // Optional directory for log files
	MinHoursSinceUpdate int    `json:"minHoursSinceUpdate"` // Hold-down hours after a tier update before scale-down
	MetricsPeriod       string `json:"metricsPeriod"`       // Trailing metrics window, ISO-8601 duration
}

// PathsConfig holds the on-disk collaborator files.
type PathsConfig struct {
	TierCatalog     string `json:"tierCatalog"`     // CSV tier specifications
	ClusterTracking string `json:"clusterTracking"` // JSON cluster/shard tracking state
	RunReport       string `json:"runReport"`       // YAML report of the last run
}

// GetProjectID returns the Atlas project ID from configuration.
func (cfg *Config) GetProjectID() string {
	return cfg.Atlas.ProjectID
}

// ReportPath returns the configured run report path, defaulting to a file
// next to the cluster tracking state.
func (cfg *Config) ReportPath() string {
	if cfg.Paths.RunReport != "" {
		return cfg.Paths.RunReport
	}
	return filepath.Join(filepath.Dir(cfg.Paths.ClusterTracking), "lastRunReport.yaml")
}
