package config

import (
	"os"
	"path/filepath"

	"github.com/darkroomd/darkroom/errors"
	"gopkg.in/yaml.v3"
)

// ToolProvider describes an external rendering process spawned over stdio.
type ToolProvider struct {
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

// Planner holds the planning pipeline's knobs. The confidence constants and
// the ambiguous-term list are heuristic; they are exposed here rather than
// derived.
type Planner struct {
	Mode            string  `yaml:"mode" json:"mode"` // "rules" or "llm"
	MaxCalls        int     `yaml:"max_calls" json:"maxCalls"`
	MaxAttempts     int     `yaml:"max_attempts" json:"maxAttempts"`
	TimeoutSeconds  int     `yaml:"timeout_seconds" json:"timeoutSeconds"`
	VisionGrounding bool    `yaml:"vision_grounding" json:"visionGrounding"`
	AmbiguousTerms  []string `yaml:"ambiguous_terms" json:"ambiguousTerms"`
	BaseConfidence  float64 `yaml:"base_confidence" json:"baseConfidence"`
	UnknownPenalty  float64 `yaml:"unknown_penalty" json:"unknownPenalty"`
	MinConfidence   float64 `yaml:"min_confidence" json:"minConfidence"`
	// ClarifyConfidenceCap is the ceiling applied whenever a clarification
	// is requested; it must stay below 0.5.
	ClarifyConfidenceCap float64 `yaml:"clarify_confidence_cap" json:"clarifyConfidenceCap"`
}

type Config struct {
	LLMClient         string         `yaml:"llm"`
	Model             string         `yaml:"model"`
	Planner           Planner        `yaml:"planner"`
	ToolProviders     []ToolProvider `yaml:"tool_providers"`
	AllowedImagePaths []string       `yaml:"allowed_image_paths"`
	PreviewMaxPixels  int            `yaml:"preview_max_pixels"`
	ExportMaxPixels   int            `yaml:"export_max_pixels"`
}

// DefaultAmbiguousTerms are aesthetic words with no single numeric reading;
// they trigger a clarification request instead of an edit.
var DefaultAmbiguousTerms = []string{"pop", "cinematic", "dramatic", "moody"}

// ApplyDefaults fills any field the config files left unset.
func (c *Config) ApplyDefaults() {
	if c.Planner.Mode == "" {
		c.Planner.Mode = "rules"
	}
	if c.Planner.MaxCalls <= 0 {
		c.Planner.MaxCalls = 10
	}
	if c.Planner.MaxAttempts <= 0 {
		c.Planner.MaxAttempts = 3
	}
	if c.Planner.TimeoutSeconds <= 0 {
		c.Planner.TimeoutSeconds = 30
	}
	if len(c.Planner.AmbiguousTerms) == 0 {
		c.Planner.AmbiguousTerms = append([]string(nil), DefaultAmbiguousTerms...)
	}
	if c.Planner.BaseConfidence == 0 {
		c.Planner.BaseConfidence = 0.9
	}
	if c.Planner.UnknownPenalty == 0 {
		c.Planner.UnknownPenalty = 0.1
	}
	if c.Planner.MinConfidence == 0 {
		c.Planner.MinConfidence = 0.2
	}
	if c.Planner.ClarifyConfidenceCap == 0 {
		c.Planner.ClarifyConfidenceCap = 0.4
	}
	if c.PreviewMaxPixels <= 0 {
		c.PreviewMaxPixels = 2 << 20 // ~2MP previews
	}
	if c.ExportMaxPixels <= 0 {
		c.ExportMaxPixels = 64 << 20
	}
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence. An explicit
// path replaces the discovery entirely and must exist.
func LoadConfig(explicitPath string) (*Config, error) {
	cfg := &Config{}

	if explicitPath != "" {
		if err := loadFromFile(explicitPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", explicitPath)
		}
		cfg.ApplyDefaults()
		return cfg, nil
	}

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".darkroom", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".darkroom", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}
