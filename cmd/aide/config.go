package main

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aide-sh/aide/internal/tools"
)

// Config holds all server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	Model           string `json:"model"`
	AnthropicAPIKey string `json:"anthropic_api_key"`

	// VaultKey is the base64-encoded 32-byte master key for the secret
	// vault. The vault is disabled when empty.
	VaultKey string `json:"vault_key"`

	// WorkflowTTLHours bounds how long a suspended workflow stays resumable.
	WorkflowTTLHours int `json:"workflow_ttl_hours"`
	// ConfirmationTTLMinutes bounds how long a confirmation stays pending.
	ConfirmationTTLMinutes int `json:"confirmation_ttl_minutes"`
	// MaxPlanSteps lowers the plan length cap (never raises it past the
	// schema limit).
	MaxPlanSteps int `json:"max_plan_steps"`

	// ConfirmationRules are CEL expressions over {tool, parameters, risk};
	// any rule evaluating true gates the call behind a confirmation.
	ConfirmationRules []string `json:"confirmation_rules"`

	// ToolServers are MCP subprocesses whose tools register under their
	// name prefix (a server named "email" provides "email.send", ...).
	ToolServers []tools.MCPServerConfig `json:"tool_servers"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                 filepath.Join(aideDir(), "aide.db"),
		LogLevel:               "info",
		WorkflowTTLHours:       24,
		ConfirmationTTLMinutes: 15,
	}
}

func aideDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aide"
	}
	return filepath.Join(home, ".aide")
}

func settingsPath() string {
	return filepath.Join(aideDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AIDE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AIDE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AIDE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("AIDE_VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	if v := os.Getenv("AIDE_WORKFLOW_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkflowTTLHours = n
		}
	}
	if v := os.Getenv("AIDE_CONFIRMATION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConfirmationTTLMinutes = n
		}
	}
	if v := os.Getenv("AIDE_MAX_PLAN_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPlanSteps = n
		}
	}
	if v := os.Getenv("AIDE_CONFIRMATION_RULES"); v != "" {
		cfg.ConfirmationRules = splitList(v)
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) workflowTTL() time.Duration {
	return time.Duration(c.WorkflowTTLHours) * time.Hour
}

func (c Config) confirmationTTL() time.Duration {
	return time.Duration(c.ConfirmationTTLMinutes) * time.Minute
}

// vaultMasterKey decodes the configured vault key, or returns nil when
// the vault is disabled.
func (c Config) vaultMasterKey() ([]byte, error) {
	if c.VaultKey == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.VaultKey)
}
