package config

import "time"

// OrchestratorConfig holds runtime configuration for the deploy orchestrator.
type OrchestratorConfig struct {
	Environment    string
	DockerHost     string
	Registry       string
	HealthPath     string
	WatchInterval  time.Duration
	RolloutTimeout time.Duration
	MetricsAddr    string
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
// CLI flags take precedence over these values where both are supplied.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:    GetString("APP_ENV", "development"),
		DockerHost:     GetString("DOCKER_HOST", ""),
		Registry:       GetString("SKIFF_REGISTRY", "skiff"),
		HealthPath:     GetString("SKIFF_HEALTH_PATH", ""),
		WatchInterval:  time.Duration(GetInt("SKIFF_WATCH_INTERVAL_SECONDS", 2)) * time.Second,
		RolloutTimeout: time.Duration(GetInt("SKIFF_ROLLOUT_TIMEOUT_SECONDS", 120)) * time.Second,
		MetricsAddr:    GetString("SKIFF_METRICS_ADDR", ""),
	}
}
