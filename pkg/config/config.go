// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads settings from a YAML file with environment
// overrides. Settings are read-only after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/kestrel/pkg/observability"
)

type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	LLM      LLMConfig                  `yaml:"llm"`
	Database DatabaseConfig             `yaml:"database"`
	Vector   VectorConfig               `yaml:"vector"`
	Agent    AgentConfig                `yaml:"agent"`
	MCP      MCPConfig                  `yaml:"mcp"`
	Skills   SkillsConfig               `yaml:"skills"`
	Tools    ToolsConfig                `yaml:"tools"`
	Server   ServerConfig               `yaml:"server"`
	Tracing  observability.TracerConfig `yaml:"tracing"`
}

type LLMConfig struct {
	// BaseURL points at any OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// PlannerModel optionally overrides the model used for planning.
	PlannerModel string `yaml:"planner_model"`

	// EmbeddingModel backs long term memory vectors.
	EmbeddingModel     string `yaml:"embedding_model"`
	EmbeddingDimension int    `yaml:"embedding_dimension"`

	MaxRetries int `yaml:"max_retries"`

	// MaxConnections / MaxIdleConnections bound the HTTP pool.
	MaxConnections     int `yaml:"max_connections"`
	MaxIdleConnections int `yaml:"max_idle_connections"`
}

type DatabaseConfig struct {
	// Driver is sqlite3 or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`

	// EncryptionKey is the process-wide symmetric key (hex, 32 bytes)
	// for oauth tokens and user credentials at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

type VectorConfig struct {
	// Backend is chromem (embedded) or qdrant.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
}

type AgentConfig struct {
	// MaxReplans caps adaptive replans per request.
	MaxReplans int `yaml:"max_replans"`

	// MaxStepRetries caps RETRY outcomes per step.
	MaxStepRetries int `yaml:"max_step_retries"`

	// RequestTimeout bounds the whole adaptive loop.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ToolTimeout is the default per-tool deadline.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// StepParallelism caps concurrent steps within one plan.
	StepParallelism int `yaml:"step_parallelism"`

	// PlannerInputCharCap truncates planner prompts.
	PlannerInputCharCap int `yaml:"planner_input_char_cap"`

	// ToolCallBudget is the per-tool soft cap per step window.
	ToolCallBudget int `yaml:"tool_call_budget"`

	// TranscriptTokenBudget bounds transcript growth before re-prompt.
	TranscriptTokenBudget int `yaml:"transcript_token_budget"`

	// HitlTTL expires suspended human-in-the-loop state.
	HitlTTL time.Duration `yaml:"hitl_ttl"`

	// OrchestratorCacheTTL amortizes per-context setup under burst.
	OrchestratorCacheTTL time.Duration `yaml:"orchestrator_cache_ttl"`
}

type MCPConfig struct {
	// Servers maps server name to connection settings.
	Servers map[string]MCPServerConfig `yaml:"servers"`

	// ClientTTL evicts idle clients.
	ClientTTL time.Duration `yaml:"client_ttl"`

	// NegativeCacheBackoff is the first backoff step; subsequent
	// failures follow the 30s/2m/10m/30m ladder scaled from it.
	NegativeCacheBackoff time.Duration `yaml:"negative_cache_backoff"`
}

type MCPServerConfig struct {
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
}

type SkillsConfig struct {
	// Dir holds skill files (frontmatter + body).
	Dir string `yaml:"dir"`

	// Watch reloads the registry on file changes.
	Watch bool `yaml:"watch"`

	// Timeout bounds one skill execution.
	Timeout time.Duration `yaml:"timeout"`

	// MaxIterations bounds the skill tool-calling loop.
	MaxIterations int `yaml:"max_iterations"`
}

type ToolsConfig struct {
	Homey HomeyConfig `yaml:"homey"`
}

type HomeyConfig struct {
	// BaseURL points at the local bridge API. Empty disables the tool.
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SetDefaults fills unset fields with production defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.MaxConnections == 0 {
		c.LLM.MaxConnections = 200
	}
	if c.LLM.MaxIdleConnections == 0 {
		c.LLM.MaxIdleConnections = 50
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "kestrel.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnLifetime == 0 {
		c.Database.ConnLifetime = 30 * time.Minute
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "chromem"
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "memories"
	}
	if c.Vector.Dimension == 0 {
		c.Vector.Dimension = 1536
	}
	if c.Agent.MaxReplans == 0 {
		c.Agent.MaxReplans = 3
	}
	if c.Agent.MaxStepRetries == 0 {
		c.Agent.MaxStepRetries = 2
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = 300 * time.Second
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 120 * time.Second
	}
	if c.Agent.StepParallelism == 0 {
		c.Agent.StepParallelism = 4
	}
	if c.Agent.PlannerInputCharCap == 0 {
		c.Agent.PlannerInputCharCap = 8000
	}
	if c.Agent.ToolCallBudget == 0 {
		c.Agent.ToolCallBudget = 3
	}
	if c.Agent.TranscriptTokenBudget == 0 {
		c.Agent.TranscriptTokenBudget = 24000
	}
	if c.Agent.HitlTTL == 0 {
		c.Agent.HitlTTL = 24 * time.Hour
	}
	if c.Agent.OrchestratorCacheTTL == 0 {
		c.Agent.OrchestratorCacheTTL = 30 * time.Second
	}
	if c.MCP.ClientTTL == 0 {
		c.MCP.ClientTTL = 10 * time.Minute
	}
	if c.MCP.NegativeCacheBackoff == 0 {
		c.MCP.NegativeCacheBackoff = 30 * time.Second
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = "skills"
	}
	if c.Skills.Timeout == 0 {
		c.Skills.Timeout = 180 * time.Second
	}
	if c.Skills.MaxIterations == 0 {
		c.Skills.MaxIterations = 8
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "kestrel"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Vector.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vector backend: %s", c.Vector.Backend)
	}
	if c.Agent.StepParallelism < 1 {
		return fmt.Errorf("step_parallelism must be >= 1")
	}
	if c.Agent.MaxReplans < 0 || c.Agent.MaxStepRetries < 0 {
		return fmt.Errorf("replan and retry budgets must be >= 0")
	}
	return nil
}

// Load reads the YAML config at path, applies env overrides, defaults
// and validation. A missing file yields the default config.
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence.
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KESTREL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("KESTREL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("KESTREL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("KESTREL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("KESTREL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("KESTREL_ENCRYPTION_KEY"); v != "" {
		cfg.Database.EncryptionKey = v
	}
	if v := os.Getenv("KESTREL_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("KESTREL_SKILLS_DIR"); v != "" {
		cfg.Skills.Dir = v
	}
	if v := os.Getenv("KESTREL_HOMEY_BASE_URL"); v != "" {
		cfg.Tools.Homey.BaseURL = v
	}
	if v := os.Getenv("KESTREL_HOMEY_TOKEN"); v != "" {
		cfg.Tools.Homey.Token = v
	}
}
