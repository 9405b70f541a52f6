package config

import "time"

// Process-wide constants that are not user-tunable.
const (
	DefaultConfigPath = "configs/example.yaml"

	DefaultShutdownTimeout = 5 * time.Second
	DefaultStartupDelay    = 100 * time.Millisecond

	DefaultEventQueryLimit = 100
	MaxEventQueryLimit     = 1000

	APIVersion = "v1"
)

// Telemetry exporter types.
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)

// Health states reported by /healthz.
const (
	HealthStateHealthy   = "healthy"
	HealthStateUnhealthy = "unhealthy"
)
