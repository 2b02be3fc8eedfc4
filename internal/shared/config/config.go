package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// BaseConfig contains common configuration for all services
type BaseConfig struct {
	ServiceName string `env:"SERVICE_NAME"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
}

// NATSConfig contains configuration for NATS messaging
type NATSConfig struct {
	URLs          []string      `env:"NATS_URLS" envSeparator:"," envDefault:"nats://localhost:4222"`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT_MS" envDefault:"2s"`
	Timeout       time.Duration `env:"NATS_TIMEOUT_MS" envDefault:"5s"`
}

// WatcherConfig contains configuration for the source watcher service
type WatcherConfig struct {
	BaseConfig  `envPrefix:"WATCHER_"`
	DatabaseURL string `env:"WATCHER_DATABASE_URL"`
	// WorkDir is where fetched manifest trees are checked out
	WorkDir string `env:"WATCHER_WORK_DIR" envDefault:"/tmp/gitfleet-sources"`
	// RepoSyncInterval is how often the repository list is re-read
	RepoSyncInterval time.Duration `env:"WATCHER_REPO_SYNC_INTERVAL_MS" envDefault:"30s"`
	// MaxBackoff caps the exponential backoff between failed polls
	MaxBackoff   time.Duration `env:"WATCHER_MAX_BACKOFF_MS" envDefault:"5m"`
	FetchTimeout time.Duration `env:"WATCHER_FETCH_TIMEOUT_MS" envDefault:"60s"`
	NATS         *NATSConfig   `envPrefix:"WATCHER_"`
}

// ControllerConfig contains configuration for the pipeline controller service
type ControllerConfig struct {
	BaseConfig  `envPrefix:"CONTROLLER_"`
	DatabaseURL string `env:"CONTROLLER_DATABASE_URL"`
	// ResyncInterval is how often the full pipeline state is re-checked
	ResyncInterval time.Duration `env:"CONTROLLER_RESYNC_INTERVAL_MS" envDefault:"60s"`
	// RenderTimeout bounds a single external tool invocation
	RenderTimeout time.Duration `env:"CONTROLLER_RENDER_TIMEOUT_MS" envDefault:"2m"`
	// HeartbeatGrace marks clusters unreachable after this silence
	HeartbeatGrace time.Duration `env:"CONTROLLER_HEARTBEAT_GRACE_MS" envDefault:"90s"`
	OverlayTool    string        `env:"CONTROLLER_OVERLAY_TOOL" envDefault:"kustomize"`
	ChartTool      string        `env:"CONTROLLER_CHART_TOOL" envDefault:"helm"`
	NATS           *NATSConfig   `envPrefix:"CONTROLLER_"`
}

// DeployerConfig contains configuration for the deployment reconciler service
type DeployerConfig struct {
	BaseConfig  `envPrefix:"DEPLOYER_"`
	DatabaseURL string `env:"DEPLOYER_DATABASE_URL"`
	// DriftInterval is how often Ready deployments are checked for drift
	DriftInterval time.Duration `env:"DEPLOYER_DRIFT_INTERVAL_MS" envDefault:"1m"`
	// ApplyConcurrency bounds concurrent resource applies within one bundle
	ApplyConcurrency int `env:"DEPLOYER_APPLY_CONCURRENCY" envDefault:"4"`
	// CycleTimeout bounds one full reconciliation cycle for a cluster
	CycleTimeout time.Duration `env:"DEPLOYER_CYCLE_TIMEOUT_MS" envDefault:"5m"`
	NATS         *NATSConfig   `envPrefix:"DEPLOYER_"`
}

// AgentConfig contains configuration for the cluster agent service
type AgentConfig struct {
	BaseConfig  `envPrefix:"AGENT_"`
	ClusterID   string `env:"AGENT_CLUSTER_ID,required"`
	ClusterName string `env:"AGENT_CLUSTER_NAME"`
	// Labels registers the cluster's label set, "k=v" comma separated
	Labels            []string      `env:"AGENT_LABELS" envSeparator:","`
	HeartbeatInterval time.Duration `env:"AGENT_HEARTBEAT_INTERVAL_MS" envDefault:"30s"`
	NATS              *NATSConfig   `envPrefix:"AGENT_"`
}

// LoadWatcherConfig loads configuration for the source watcher service
func LoadWatcherConfig() (*WatcherConfig, error) {
	config, err := env.ParseAs[WatcherConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Watcher config: %w", err)
	}
	if config.ServiceName == "" {
		config.ServiceName = "watcher"
	}
	if config.NATS == nil {
		config.NATS = &NATSConfig{}
	}
	return &config, nil
}

// LoadControllerConfig loads configuration for the controller service
func LoadControllerConfig() (*ControllerConfig, error) {
	config, err := env.ParseAs[ControllerConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Controller config: %w", err)
	}
	if config.ServiceName == "" {
		config.ServiceName = "controller"
	}
	if config.NATS == nil {
		config.NATS = &NATSConfig{}
	}
	return &config, nil
}

// LoadDeployerConfig loads configuration for the deployer service
func LoadDeployerConfig() (*DeployerConfig, error) {
	config, err := env.ParseAs[DeployerConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Deployer config: %w", err)
	}
	if config.ServiceName == "" {
		config.ServiceName = "deployer"
	}
	if config.NATS == nil {
		config.NATS = &NATSConfig{}
	}
	return &config, nil
}

// LoadAgentConfig loads configuration for the agent service
func LoadAgentConfig() (*AgentConfig, error) {
	config, err := env.ParseAs[AgentConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Agent config: %w", err)
	}
	if config.ServiceName == "" {
		config.ServiceName = "agent"
	}
	if config.NATS == nil {
		config.NATS = &NATSConfig{}
	}
	return &config, nil
}
