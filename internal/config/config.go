package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shipline/internal/domain"
	"shipline/internal/llm"
	"shipline/internal/policy"
)

const FileName = "shipline.yml"

// Config models shipline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"project" json:"project"`
	Intents      IntentConfig       `yaml:"intents,omitempty" json:"intents,omitempty"`
	Policy       PolicyConfig       `yaml:"policy" json:"policy"`
	LLM          LLMConfig          `yaml:"llm" json:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Webhooks     []WebhookConfig    `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type IntentConfig struct {
	Definitions []IntentDefinition `yaml:"definitions,omitempty" json:"definitions,omitempty"`
}

type IntentDefinition struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	ValidTargets []string `yaml:"valid_targets,omitempty" json:"valid_targets,omitempty"`
	Synonyms     []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	DefaultRisk  string   `yaml:"default_risk,omitempty" json:"default_risk,omitempty"`
	Examples     []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

type PolicyConfig struct {
	DestructiveKeywords []string `yaml:"destructive_keywords,omitempty" json:"destructive_keywords,omitempty"`
	ReadOnlyIntents     []string `yaml:"read_only_intents,omitempty" json:"read_only_intents,omitempty"`
	CoverageThreshold   float64  `yaml:"coverage_threshold,omitempty" json:"coverage_threshold,omitempty"`
}

type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv         string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Timeout           Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int      `yaml:"burst,omitempty" json:"burst,omitempty"`
	MaxRetries        int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MaxPromptTokens   int      `yaml:"max_prompt_tokens,omitempty" json:"max_prompt_tokens,omitempty"`
}

type OrchestratorConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`
	MaxParallel    int      `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

var providers = map[string]bool{"": true, "none": true, "anthropic": true, "openai": true, "ollama": true, "gemini": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	seen := map[string]bool{}
	for i, def := range c.Intents.Definitions {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			return fmt.Errorf("config.intents.definitions[%d].name is required", i)
		}
		if strings.ContainsAny(name, " \t") {
			return fmt.Errorf("intent %q must be a single word", def.Name)
		}
		if seen[name] {
			return fmt.Errorf("intent %s is defined twice", name)
		}
		seen[name] = true
		if def.DefaultRisk != "" {
			if _, err := domain.ParseRiskLevel(def.DefaultRisk); err != nil {
				return fmt.Errorf("intent %s: %w", name, err)
			}
		}
	}
	if t := c.Policy.CoverageThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config.policy.coverage_threshold must be within [0,1]")
	}
	if !providers[strings.ToLower(c.LLM.Provider)] {
		return fmt.Errorf("config.llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.LLM.RequestsPerSecond < 0 || c.LLM.Burst < 0 || c.LLM.MaxRetries < 0 || c.LLM.MaxPromptTokens < 0 {
		return fmt.Errorf("config.llm limits must not be negative")
	}
	if c.Orchestrator.DefaultTimeout < 0 || c.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("config.orchestrator values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// IntentDefinitions converts the configured intents to domain definitions.
func (c *Config) IntentDefinitions() []domain.IntentDefinition {
	out := make([]domain.IntentDefinition, 0, len(c.Intents.Definitions))
	for _, d := range c.Intents.Definitions {
		out = append(out, domain.IntentDefinition{
			Name:         d.Name,
			Description:  d.Description,
			ValidTargets: d.ValidTargets,
			Synonyms:     d.Synonyms,
			DefaultRisk:  domain.RiskLevel(strings.ToUpper(d.DefaultRisk)),
			Examples:     d.Examples,
		})
	}
	return out
}

// PolicyOptions maps the policy section onto the risk engine options.
func (c *Config) PolicyOptions() policy.Options {
	return policy.Options{
		DestructiveKeywords: c.Policy.DestructiveKeywords,
		ReadOnlyIntents:     c.Policy.ReadOnlyIntents,
		CoverageThreshold:   c.Policy.CoverageThreshold,
	}
}

// CompletionConfig resolves the llm section, reading the API key from the environment.
func (c *Config) CompletionConfig() llm.Config {
	return llm.Config{
		Provider:          c.LLM.Provider,
		Model:             c.LLM.Model,
		BaseURL:           c.LLM.BaseURL,
		APIKey:            llm.APIKeyFromEnv(c.LLM.Provider, c.LLM.APIKeyEnv),
		Timeout:           c.LLM.Timeout.Std(),
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
		MaxRetries:        c.LLM.MaxRetries,
		MaxPromptTokens:   c.LLM.MaxPromptTokens,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

policy:
  destructive_keywords: [delete, reset, destroy, remove]
  read_only_intents: [status, analyze, test]
  coverage_threshold: 0.7

llm:
  provider: none
  timeout: 15s
  requests_per_second: 2
  burst: 4
  max_retries: 2
  max_prompt_tokens: 4000

orchestrator:
  default_timeout: 5m
  max_parallel: 4

# intents:
#   definitions:
#     - name: rollback
#       valid_targets: [staging, production]
#       synonyms: [revert, undo]
#       default_risk: HIGH

# webhooks:
#   - url: https://example.com/hooks/shipline
#     events: [execution.completed, confirmation.required]
`
