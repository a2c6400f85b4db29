package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"PORT", "MAX_AGENTS", "SESSION_TTL_MS", "LOG_LEVEL", "AGENT_COMMAND"} {
		os.Unsetenv(name)
	}

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Port", cfg.Port, 8080},
		{"MaxAgents", cfg.MaxAgents, 20},
		{"MaxAgentDepth", cfg.MaxAgentDepth, 3},
		{"MaxChildrenPerAgent", cfg.MaxChildrenPerAgent, 6},
		{"SessionTTLMs", cfg.SessionTTLMs, 14400000},
		{"MaxMessages", cfg.MaxMessages, 500},
		{"DeliverySettleMs", cfg.DeliverySettleMs, 250},
		{"MaxTaskRetries", cfg.MaxTaskRetries, 3},
		{"AgentCommand", cfg.AgentCommand, "agent"},
		{"DefaultModel", cfg.DefaultModel, "default"},
		{"LogLevel", cfg.LogLevel, "INFO"},
		{"Env", cfg.Env, "development"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_AGENTS", "5")
	os.Setenv("AGENT_COMMAND", "codex")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("MAX_AGENTS")
		os.Unsetenv("AGENT_COMMAND")
	}()

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.MaxAgents != 5 {
		t.Errorf("MaxAgents = %d, want 5", cfg.MaxAgents)
	}
	if cfg.AgentCommand != "codex" {
		t.Errorf("AgentCommand = %q, want %q", cfg.AgentCommand, "codex")
	}
}

func TestLoadClampsBelowMinimum(t *testing.T) {
	os.Setenv("MAX_AGENTS", "0")
	defer os.Unsetenv("MAX_AGENTS")

	cfg := Load()
	if cfg.MaxAgents != 1 {
		t.Errorf("MaxAgents = %d, want clamped to min 1", cfg.MaxAgents)
	}
}
