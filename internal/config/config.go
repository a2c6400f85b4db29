// Package config loads the process's runtime configuration from
// environment variables.
//
// All fields declare their environment variable mapping via struct
// tags: `env:"VAR_NAME" default:"value" min:"0"`. Load() fills them
// via reflection with no hand-written per-field assignment.
//
// Grounded on the teacher's internal/config/config.go and
// pkg/util.LoadFromEnv: the same reflection-driven loader, retargeted
// from an LLM-gateway/dashboard config surface to the one spec §6
// names for this core (ports, directories, caps, timeouts).
package config

import (
	"github.com/agentcore/agentcore/pkg/util"
)

// Config is the process-wide configuration, one field per environment
// variable spec §6 names.
type Config struct {
	// HTTP surface (owned by an external collaborator per spec §1; the
	// port is still accepted here since something has to bind it).
	Port int `env:"PORT" default:"8080" min:"1"`

	// Kill switch remote replica and workspace persistent-repo mount.
	ObjectStoreBucket string `env:"GCS_BUCKET"`
	SharedContextDir  string `env:"SHARED_CONTEXT_DIR"`
	PersistentReposDir string `env:"PERSISTENT_REPOS_DIR"`

	// Agent supervisor caps and timers.
	SessionTTLMs           int    `env:"SESSION_TTL_MS" default:"14400000" min:"1000"`
	PausedTTLMs            int    `env:"PAUSED_TTL_MS" default:"86400000" min:"1000"`
	MaxAgents              int    `env:"MAX_AGENTS" default:"20" min:"1"`
	MaxAgentDepth          int    `env:"MAX_AGENT_DEPTH" default:"3" min:"0"`
	MaxChildrenPerAgent    int    `env:"MAX_CHILDREN_PER_AGENT" default:"6" min:"1"`
	WatchdogIntervalMs     int    `env:"WATCHDOG_INTERVAL_MS" default:"30000" min:"1000"`
	StallThresholdMs       int    `env:"STALL_THRESHOLD_MS" default:"600000" min:"1000"`
	StartTimeoutMs         int    `env:"START_TIMEOUT_MS" default:"120000" min:"1000"`
	MaxStallCount          int    `env:"MAX_STALL_COUNT" default:"3" min:"1"`
	AgentCommand           string `env:"AGENT_COMMAND" default:"agent"`
	AllowedModels          string `env:"ALLOWED_MODELS" default:"default"`
	DefaultModel           string `env:"DEFAULT_MODEL" default:"default"`
	MaxTurns               int    `env:"MAX_TURNS" default:"50" min:"1"`
	TokenRefreshIntervalMs int    `env:"TOKEN_REFRESH_INTERVAL_MS" default:"3600000" min:"60000"`

	// Message bus and auto-delivery.
	MaxMessages      int `env:"MAX_MESSAGES" default:"500" min:"1"`
	DeliverySettleMs int `env:"DELIVERY_SETTLE_MS" default:"250" min:"0"`

	// Orchestrator.
	OrchestratorTickMs int `env:"ORCHESTRATOR_TICK_MS" default:"1000" min:"100"`
	MaxTaskRetries     int `env:"MAX_TASK_RETRIES" default:"3" min:"0"`

	// Persistence / kill switch directories.
	StateDir      string `env:"STATE_DIR" default:".agentcore/state"`
	EventsDir     string `env:"EVENTS_DIR" default:".agentcore/events"`
	WorkspaceRoot string `env:"WORKSPACE_ROOT" default:".agentcore/workspaces"`
	KillSwitchDir string `env:"KILL_SWITCH_DIR" default:".agentcore/killswitch"`

	// Optional durable capability-profile store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Logging.
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	Env      string `env:"ENV" default:"development"`
}

// Load reads the environment into a Config, applying defaults and
// minimums for anything unset or invalid.
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
