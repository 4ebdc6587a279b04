// Copyright 2026 The iTaK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"
)

// DeploymentMode controls default bind address and network allowlist
// defaults.
type DeploymentMode string

const (
	DeploymentHomeLAN  DeploymentMode = "home_lan"
	DeploymentVPSCloud DeploymentMode = "vps_cloud"
	DeploymentLocalDev DeploymentMode = "local_dev"
)

// ModelBinding is one entry in a role's ordered fallback list.
type ModelBinding struct {
	Provider        string         `yaml:"provider"` // openai, anthropic, ollama
	Model           string         `yaml:"model"`
	BaseURL         string         `yaml:"base_url,omitempty"`
	APIKey          string         `yaml:"api_key,omitempty"` // vault placeholder, e.g. {{openai_api_key}}
	ContextWindow   int            `yaml:"context_window,omitempty"`
	HistoryFraction float64        `yaml:"history_fraction,omitempty"`
	Vision          bool           `yaml:"vision,omitempty"`
	Free            bool           `yaml:"free,omitempty"` // local models bypass cost budgets
	MaxConcurrent   int            `yaml:"max_concurrent,omitempty"`
	Timeout         string         `yaml:"timeout,omitempty"`
	InputPricePerM  float64        `yaml:"input_price_per_m,omitempty"`  // USD per 1M input tokens
	OutputPricePerM float64        `yaml:"output_price_per_m,omitempty"` // USD per 1M output tokens
	ExtraParams     map[string]any `yaml:"extra_params,omitempty"`
}

func (b *ModelBinding) SetDefaults() {
	if b.ContextWindow == 0 {
		b.ContextWindow = 128000
	}
	if b.HistoryFraction == 0 {
		b.HistoryFraction = 0.5
	}
	if b.MaxConcurrent == 0 {
		b.MaxConcurrent = 4
	}
	if b.Timeout == "" {
		b.Timeout = "120s"
	}
}

func (b *ModelBinding) Validate() error {
	switch b.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported provider: %s (supported: openai, anthropic, ollama)", b.Provider)
	}
	if b.Model == "" {
		return fmt.Errorf("model is required")
	}
	if _, err := time.ParseDuration(b.Timeout); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", b.Timeout, err)
	}
	return nil
}

// TimeoutDuration returns the parsed call timeout.
func (b *ModelBinding) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// RankerConfig holds hybrid retrieval weights.
type RankerConfig struct {
	VectorWeight float64 `yaml:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight"`
	GraphWeight  float64 `yaml:"graph_weight"`
}

func (c *RankerConfig) SetDefaults() {
	if c.VectorWeight == 0 && c.BM25Weight == 0 && c.GraphWeight == 0 {
		c.VectorWeight = 0.5
		c.BM25Weight = 0.3
		c.GraphWeight = 0.2
	}
}

// RelationalConfig configures the relational store.
type RelationalConfig struct {
	Driver string `yaml:"driver"` // sqlite3, postgres, mysql
	DSN    string `yaml:"dsn"`
}

func (c *RelationalConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
}

func (c *RelationalConfig) Validate() error {
	switch c.Driver {
	case "sqlite3", "postgres", "mysql":
		return nil
	default:
		return fmt.Errorf("unsupported relational driver: %s", c.Driver)
	}
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	Provider    string `yaml:"provider"` // chromem (embedded) or qdrant
	PersistPath string `yaml:"persist_path,omitempty"`
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	Collection  string `yaml:"collection,omitempty"`
	Dimension   int    `yaml:"dimension,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "itak_memory"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.Provider == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

// MemoryConfig configures the tiered memory fabric.
type MemoryConfig struct {
	Relational       RelationalConfig `yaml:"relational"`
	GraphPath        string           `yaml:"graph_path,omitempty"`
	Vector           VectorConfig     `yaml:"vector"`
	Ranker           RankerConfig     `yaml:"ranker"`
	CoreDir          string           `yaml:"core_dir,omitempty"`
	SoftPressure     float64          `yaml:"soft_pressure"`
	HardPressure     float64          `yaml:"hard_pressure"`
	DedupWindow      string           `yaml:"dedup_window"`
	PromoteThreshold int              `yaml:"promote_threshold"`
	RecallLimit      int              `yaml:"recall_limit"`
}

func (c *MemoryConfig) SetDefaults() {
	c.Relational.SetDefaults()
	c.Vector.SetDefaults()
	c.Ranker.SetDefaults()
	if c.SoftPressure == 0 {
		c.SoftPressure = 0.7
	}
	if c.HardPressure == 0 {
		c.HardPressure = 0.9
	}
	if c.DedupWindow == "" {
		c.DedupWindow = "10m"
	}
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = 3
	}
	if c.RecallLimit == 0 {
		c.RecallLimit = 10
	}
}

func (c *MemoryConfig) Validate() error {
	if err := c.Relational.Validate(); err != nil {
		return err
	}
	if c.SoftPressure >= c.HardPressure {
		return fmt.Errorf("soft_pressure (%.2f) must be below hard_pressure (%.2f)", c.SoftPressure, c.HardPressure)
	}
	if _, err := time.ParseDuration(c.DedupWindow); err != nil {
		return fmt.Errorf("invalid dedup_window: %w", err)
	}
	return nil
}

// DedupWindowDuration returns the parsed dedup window.
func (c *MemoryConfig) DedupWindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.DedupWindow)
	return d
}

// LimitsConfig configures rate and cost limits.
type LimitsConfig struct {
	GlobalRPM       int64   `yaml:"global_rpm"`
	PerPrincipalRPM int64   `yaml:"per_principal_rpm"`
	PerToolRPM      int64   `yaml:"per_tool_rpm"`
	DailyBudgetUSD  float64 `yaml:"daily_budget_usd"`
	WeeklyBudgetUSD float64 `yaml:"weekly_budget_usd"`
	MonthlyBudget   float64 `yaml:"monthly_budget_usd"`
	SoftPct         float64 `yaml:"soft_pct"`
	HardPct         float64 `yaml:"hard_pct"`
}

func (c *LimitsConfig) SetDefaults() {
	if c.GlobalRPM == 0 {
		c.GlobalRPM = 120
	}
	if c.PerPrincipalRPM == 0 {
		c.PerPrincipalRPM = 30
	}
	if c.PerToolRPM == 0 {
		c.PerToolRPM = 60
	}
	if c.DailyBudgetUSD == 0 {
		c.DailyBudgetUSD = 5
	}
	if c.WeeklyBudgetUSD == 0 {
		c.WeeklyBudgetUSD = 25
	}
	if c.MonthlyBudget == 0 {
		c.MonthlyBudget = 80
	}
	if c.SoftPct == 0 {
		c.SoftPct = 0.8
	}
	if c.HardPct == 0 {
		c.HardPct = 1.0
	}
}

func (c *LimitsConfig) Validate() error {
	if c.SoftPct > c.HardPct {
		return fmt.Errorf("soft_pct must not exceed hard_pct")
	}
	return nil
}

// JWTConfig enables optional JWT bearer validation for the API.
type JWTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty"`
}

// SecurityConfig configures the output guard and network policy.
type SecurityConfig struct {
	StrictOutputGuard   bool      `yaml:"strict_output_guard"`
	SSRFAllowlist       []string  `yaml:"ssrf_allowlist,omitempty"`
	NetworkAllowlist    []string  `yaml:"network_allowlist,omitempty"`
	AuthLockoutMax      int       `yaml:"auth_lockout_max"`
	AuthLockoutWindow   string    `yaml:"auth_lockout_window"`
	AuthLockoutDuration string    `yaml:"auth_lockout_duration"`
	APITokenHash        string    `yaml:"api_token_hash,omitempty"` // sha256 hex of the bearer token
	JWT                 JWTConfig `yaml:"jwt"`
}

func (c *SecurityConfig) SetDefaults() {
	if c.AuthLockoutMax == 0 {
		c.AuthLockoutMax = 5
	}
	if c.AuthLockoutWindow == "" {
		c.AuthLockoutWindow = "5m"
	}
	if c.AuthLockoutDuration == "" {
		c.AuthLockoutDuration = "15m"
	}
}

func (c *SecurityConfig) Validate() error {
	if _, err := time.ParseDuration(c.AuthLockoutWindow); err != nil {
		return fmt.Errorf("invalid auth_lockout_window: %w", err)
	}
	if _, err := time.ParseDuration(c.AuthLockoutDuration); err != nil {
		return fmt.Errorf("invalid auth_lockout_duration: %w", err)
	}
	return nil
}

func (c *SecurityConfig) LockoutWindow() time.Duration {
	d, _ := time.ParseDuration(c.AuthLockoutWindow)
	return d
}

func (c *SecurityConfig) LockoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.AuthLockoutDuration)
	return d
}

// AdapterConfig configures one channel adapter.
type AdapterConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Token         string         `yaml:"token,omitempty"` // vault placeholder
	MaxConcurrent int            `yaml:"max_concurrent,omitempty"`
	QueueDepth    int            `yaml:"queue_depth,omitempty"`
	Settings      map[string]any `yaml:"settings,omitempty"`
}

func (c *AdapterConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 16
	}
}

// SchedulerConfig configures the monologue scheduler.
type SchedulerConfig struct {
	MaxIterations        int    `yaml:"max_iterations"`
	MaxParseFailures     int    `yaml:"max_consecutive_parse_failures"`
	CheckpointIntervalMS int    `yaml:"checkpoint_interval_ms"`
	GlobalConcurrency    int64  `yaml:"global_concurrency"`
	StreamTimeout        string `yaml:"stream_timeout"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxParseFailures == 0 {
		c.MaxParseFailures = 3
	}
	if c.CheckpointIntervalMS == 0 {
		c.CheckpointIntervalMS = 500
	}
	if c.GlobalConcurrency == 0 {
		c.GlobalConcurrency = 8
	}
	if c.StreamTimeout == "" {
		c.StreamTimeout = "180s"
	}
}

// ToolConfig configures one registered tool.
type ToolConfig struct {
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Type           string   `yaml:"type,omitempty"`
	RequiredRole   string   `yaml:"required_role,omitempty"`
	Timeout        string   `yaml:"timeout,omitempty"`
	WorkRoot       string   `yaml:"work_root,omitempty"`
	MaxOutputBytes int64    `yaml:"max_output_bytes,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
	DeniedDomains  []string `yaml:"denied_domains,omitempty"`
	SearchEndpoint string   `yaml:"search_endpoint,omitempty"`
	// AllowedCommands gates code_exec: when set, every command segment
	// must start with a listed program. Empty permits everything.
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
}

func (c *ToolConfig) IsEnabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

// SwarmProfile describes one sub-agent profile: model tier, tool
// allowlist, a smaller iteration budget, and a system prompt overlay.
type SwarmProfile struct {
	Role          string   `yaml:"role,omitempty"` // model role, default chat
	ToolAllowlist []string `yaml:"tool_allowlist,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`
	PromptOverlay string   `yaml:"prompt_overlay,omitempty"`
}

func (p *SwarmProfile) SetDefaults() {
	if p.Role == "" {
		p.Role = "chat"
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = 8
	}
}

// WebhookTarget is one outbound webhook destination.
type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"` // vault placeholder
	Events []string `yaml:"events"` // task_completed, error_critical, daily_report
}

// NotifyConfig configures outbound webhooks.
type NotifyConfig struct {
	Targets         []WebhookTarget `yaml:"targets,omitempty"`
	DailyReportCron string          `yaml:"daily_report_cron,omitempty"`
}

func (c *NotifyConfig) SetDefaults() {
	if c.DailyReportCron == "" {
		c.DailyReportCron = "0 8 * * *"
	}
}

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "itak"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// MetricsConfig configures the prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig groups tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func (c *ObservabilityConfig) SetDefaults() {
	c.Tracing.SetDefaults()
}

// Config is the root runtime configuration.
type Config struct {
	DataDir        string                    `yaml:"data_dir"`
	DeploymentMode DeploymentMode            `yaml:"deployment_mode"`
	Host           string                    `yaml:"host,omitempty"`
	Port           int                       `yaml:"port,omitempty"` // 0 = generate at first run and persist
	LogLevel       string                    `yaml:"log_level"`
	Models         map[string][]ModelBinding `yaml:"models"` // keyed by role: chat, utility, vision, embedding
	Memory         MemoryConfig              `yaml:"memory"`
	Limits         LimitsConfig              `yaml:"limits"`
	Security       SecurityConfig            `yaml:"security"`
	Adapters       map[string]*AdapterConfig `yaml:"adapters,omitempty"`
	Scheduler      SchedulerConfig           `yaml:"scheduler"`
	Tools          map[string]*ToolConfig    `yaml:"tools,omitempty"`
	Swarm          map[string]*SwarmProfile  `yaml:"swarm,omitempty"` // keyed by profile name
	Notify         NotifyConfig              `yaml:"notify"`
	Observability  ObservabilityConfig       `yaml:"observability"`
}

func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DeploymentMode == "" {
		c.DeploymentMode = DeploymentLocalDev
	}
	if c.Host == "" {
		switch c.DeploymentMode {
		case DeploymentHomeLAN:
			c.Host = "0.0.0.0"
		default:
			c.Host = "127.0.0.1"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for role := range c.Models {
		for i := range c.Models[role] {
			c.Models[role][i].SetDefaults()
		}
	}
	c.Memory.SetDefaults()
	c.Limits.SetDefaults()
	c.Security.SetDefaults()
	for _, a := range c.Adapters {
		a.SetDefaults()
	}
	c.Scheduler.SetDefaults()
	for _, p := range c.Swarm {
		p.SetDefaults()
	}
	c.Notify.SetDefaults()
	c.Observability.SetDefaults()
}

func (c *Config) Validate() error {
	switch c.DeploymentMode {
	case DeploymentHomeLAN, DeploymentVPSCloud, DeploymentLocalDev:
	default:
		return fmt.Errorf("invalid deployment_mode: %s", c.DeploymentMode)
	}
	if len(c.Models["chat"]) == 0 {
		return fmt.Errorf("models.chat requires at least one binding")
	}
	for role, bindings := range c.Models {
		for i := range bindings {
			if err := bindings[i].Validate(); err != nil {
				return fmt.Errorf("models.%s[%d]: %w", role, i, err)
			}
		}
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	return nil
}
