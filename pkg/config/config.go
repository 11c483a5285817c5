// Package config loads and validates the YAML configuration that drives an
// openevolve run: top-level run settings plus the llm, prompt, database,
// evaluator, and pacevolve sections.
package config

import (
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	errs "openevolve/pkg/errors"
)

// ModelConfig is one entry of llm.models / llm.evaluatorModels.
type ModelConfig struct {
	Name            string  `yaml:"name" validate:"required"`
	Weight          float64 `yaml:"weight" validate:"gte=0"`
	APIBase         string  `yaml:"apiBase"`
	APIKey          string  `yaml:"apiKey"`
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"topP"`
	MaxTokens       int     `yaml:"maxTokens"`
	Timeout         int     `yaml:"timeout"`
	Retries         int     `yaml:"retries"`
	RetryDelay      int     `yaml:"retryDelay"`
	RandomSeed      *int64  `yaml:"randomSeed"`
	ReasoningEffort string  `yaml:"reasoningEffort"`
}

// LLMConfig is the llm.* section.
type LLMConfig struct {
	APIBase              string        `yaml:"apiBase"`
	APIKey               string        `yaml:"apiKey"`
	Temperature          float64       `yaml:"temperature"`
	TopP                 float64       `yaml:"topP"`
	MaxTokens            int           `yaml:"maxTokens" validate:"gte=0"`
	Timeout              int           `yaml:"timeout"`
	Retries              int           `yaml:"retries" validate:"gte=0"`
	RetryDelay           int           `yaml:"retryDelay"`
	RandomSeed           *int64        `yaml:"randomSeed"`
	ReasoningEffort      string        `yaml:"reasoningEffort"`
	Models               []ModelConfig `yaml:"models"`
	EvaluatorModels      []ModelConfig `yaml:"evaluatorModels"`
	PrimaryModel         string        `yaml:"primaryModel"`
	PrimaryModelWeight   float64       `yaml:"primaryModelWeight"`
	SecondaryModel       string        `yaml:"secondaryModel"`
	SecondaryModelWeight float64       `yaml:"secondaryModelWeight"`
}

// PromptConfig is the prompt.* section.
type PromptConfig struct {
	SystemMessage                    string `yaml:"systemMessage"`
	EvaluatorSystemMessage           string `yaml:"evaluatorSystemMessage"`
	NumTopPrograms                   int    `yaml:"numTopPrograms" validate:"gte=0"`
	NumDiversePrograms               int    `yaml:"numDiversePrograms" validate:"gte=0"`
	UseTemplateStochasticity         bool   `yaml:"useTemplateStochasticity"`
	TemplateVariations               bool   `yaml:"templateVariations"`
	IncludeArtifacts                 bool   `yaml:"includeArtifacts"`
	MaxArtifactBytes                 int    `yaml:"maxArtifactBytes"`
	ArtifactSecurityFilter           bool   `yaml:"artifactSecurityFilter"`
	SuggestSimplificationAfterChars  int    `yaml:"suggestSimplificationAfterChars"`
	TemplateDir                      string `yaml:"templateDir"`
}

// DatabaseConfig is the database.* section.
type DatabaseConfig struct {
	PopulationSize         int            `yaml:"populationSize" validate:"gt=0"`
	ArchiveSize            int            `yaml:"archiveSize" validate:"gt=0"`
	NumIslands             int            `yaml:"numIslands" validate:"gt=0"`
	EliteSelectionRatio    float64        `yaml:"eliteSelectionRatio"`
	ExplorationRatio       float64        `yaml:"explorationRatio"`
	ExploitationRatio      float64        `yaml:"exploitationRatio"`
	DiversityMetric        string         `yaml:"diversityMetric"`
	FeatureDimensions      []string       `yaml:"featureDimensions"`
	FeatureBins            map[string]int `yaml:"featureBins"`
	DefaultBins            int            `yaml:"defaultBins"`
	DiversityReferenceSize int            `yaml:"diversityReferenceSize"`
	MigrationInterval      int            `yaml:"migrationInterval" validate:"gte=0"`
	MigrationRate          float64        `yaml:"migrationRate"`
	RandomSeed             *int64         `yaml:"randomSeed"`
	ArtifactSizeThreshold  int            `yaml:"artifactSizeThreshold"`
	CleanupOldArtifacts    bool           `yaml:"cleanupOldArtifacts"`
	ArtifactRetentionDays  int            `yaml:"artifactRetentionDays"`
	SimilarityThreshold    float64        `yaml:"similarityThreshold"`
}

// EvaluatorConfig is the evaluator.* section.
type EvaluatorConfig struct {
	Timeout             int       `yaml:"timeout" validate:"gt=0"`
	MaxRetries          int       `yaml:"maxRetries" validate:"gte=0"`
	CascadeEvaluation   bool      `yaml:"cascadeEvaluation"`
	CascadeThresholds   []float64 `yaml:"cascadeThresholds"`
	ParallelEvaluations int       `yaml:"parallelEvaluations" validate:"gte=0"`
	UseLLMFeedback      bool      `yaml:"useLlmFeedback"`
	LLMFeedbackWeight   float64   `yaml:"llmFeedbackWeight"`
	EnableArtifacts     bool      `yaml:"enableArtifacts"`
	MaxArtifactStorage  int       `yaml:"maxArtifactStorage"`
}

// PACEvolveConfig is the pacevolve.* section.
type PACEvolveConfig struct {
	EnableHCM                 bool    `yaml:"enableHCM"`
	IdeaMemorySize            int     `yaml:"ideaMemorySize"`
	PruningThreshold          float64 `yaml:"pruningThreshold"`
	PruningInterval           int     `yaml:"pruningInterval" validate:"gte=0"`
	MaxIdeas                  int     `yaml:"maxIdeas" validate:"gt=0"`
	MaxHypothesesPerIdea      int     `yaml:"maxHypothesesPerIdea" validate:"gt=0"`
	IdeaDistinctnessThreshold float64 `yaml:"ideaDistinctnessThreshold"`
	IdeaSummaryMaxChars       int     `yaml:"ideaSummaryMaxChars"`
	HypothesisSummaryMaxChars int     `yaml:"hypothesisSummaryMaxChars"`

	EnableMBB           bool    `yaml:"enableMBB"`
	MomentumWindowSize  int     `yaml:"momentumWindowSize" validate:"gt=0"`
	StagnationThreshold float64 `yaml:"stagnationThreshold"`
	BacktrackDepth      int     `yaml:"backtrackDepth" validate:"gt=0"`
	MomentumBeta        float64 `yaml:"momentumBeta"`
	BacktrackPower      float64 `yaml:"backtrackPower"`

	EnableCE             bool    `yaml:"enableCE"`
	InitialExploreProb   float64 `yaml:"initialExploreProb"`
	InitialExploitProb   float64 `yaml:"initialExploitProb"`
	InitialBacktrackProb float64 `yaml:"initialBacktrackProb"`
	AdaptationRate       float64 `yaml:"adaptationRate"`
	CrossoverFrequency   int     `yaml:"crossoverFrequency" validate:"gte=0"`
}

// Config is the full openevolve run configuration.
type Config struct {
	MaxIterations      int    `yaml:"maxIterations" validate:"gte=0"`
	CheckpointInterval int    `yaml:"checkpointInterval" validate:"gte=0"`
	LogLevel           string `yaml:"logLevel"`
	LogDir             string `yaml:"logDir"`
	RandomSeed         *int64 `yaml:"randomSeed"`
	Language           string `yaml:"language"`
	FileSuffix         string `yaml:"fileSuffix"`

	LLM       LLMConfig       `yaml:"llm"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Database  DatabaseConfig  `yaml:"database"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	PACEvolve PACEvolveConfig `yaml:"pacevolve"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv resolves every "${NAME}" occurrence in raw against the
// process environment. A missing NAME is a fatal ConfigLoad error.
func interpolateEnv(raw []byte) ([]byte, error) {
	var firstErr error
	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			if firstErr == nil {
				firstErr = errs.WithFields(errs.New(errs.ConfigLoad, "unresolved environment variable"), errs.Fields{"name": string(name)})
			}
			return match
		}
		return []byte(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// Load reads, env-interpolates, parses, defaults, and validates the YAML
// config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithFields(errs.Wrap(err, errs.ConfigLoad, "read config file"), errs.Fields{"path": path})
	}

	resolved, err := interpolateEnv(raw)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(resolved, cfg); err != nil {
		return nil, errs.Wrap(err, errs.ConfigLoad, "parse config yaml")
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the loader defaults spec.md §6 requires: a
// fallback model list, evaluatorModels reusing models when empty, and
// OPENAI_API_KEY/OPENAI_API_BASE env fallbacks for missing LLM credentials.
func applyDefaults(cfg *Config) {
	if len(cfg.LLM.Models) == 0 {
		cfg.LLM.Models = []ModelConfig{{Name: "gpt-4o-mini", Weight: 1.0}}
	}
	if len(cfg.LLM.EvaluatorModels) == 0 {
		cfg.LLM.EvaluatorModels = cfg.LLM.Models
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.LLM.APIBase == "" {
		cfg.LLM.APIBase = os.Getenv("OPENAI_API_BASE")
	}
}

// Validate runs struct-tag validation over cfg without touching the
// filesystem or environment, so callers (including a pure config-check
// control-API endpoint) can validate a config in isolation from Load.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return errs.Wrap(err, errs.ConfigLoad, "config validation failed")
	}
	if len(cfg.LLM.Models) == 0 {
		return errs.New(errs.ConfigLoad, "at least one llm model is required")
	}
	totalWeight := 0.0
	for _, m := range cfg.LLM.Models {
		totalWeight += m.Weight
	}
	if totalWeight <= 0 {
		return errs.New(errs.ConfigLoad, "llm model weights must sum to a positive value")
	}
	return nil
}

// Default returns the built-in default configuration, before any file or
// environment overrides are applied.
func Default() *Config {
	return &Config{
		MaxIterations:      100,
		CheckpointInterval: 10,
		LogLevel:           "info",
		Language:           "python",
		FileSuffix:         ".ts",
		LLM: LLMConfig{
			Temperature: 0.7,
			TopP:        0.95,
			MaxTokens:   4096,
			Timeout:     60,
			Retries:     3,
			RetryDelay:  1,
		},
		Prompt: PromptConfig{
			NumTopPrograms:                  3,
			NumDiversePrograms:              2,
			MaxArtifactBytes:                2000,
			SuggestSimplificationAfterChars: 4000,
		},
		Database: DatabaseConfig{
			PopulationSize:         1000,
			ArchiveSize:            100,
			NumIslands:             4,
			FeatureDimensions:      []string{"complexity", "diversity"},
			DefaultBins:            10,
			DiversityReferenceSize: 25,
			MigrationInterval:      50,
			MigrationRate:          0.1,
		},
		Evaluator: EvaluatorConfig{
			Timeout:             60,
			MaxRetries:          3,
			ParallelEvaluations: 1,
			LLMFeedbackWeight:   0.5,
			EnableArtifacts:     true,
		},
		PACEvolve: PACEvolveConfig{
			EnableHCM:                 true,
			IdeaMemorySize:            20,
			PruningThreshold:          0.8,
			PruningInterval:           20,
			MaxIdeas:                  20,
			MaxHypothesesPerIdea:      5,
			IdeaDistinctnessThreshold: 0.6,
			IdeaSummaryMaxChars:       80,
			HypothesisSummaryMaxChars: 500,
			EnableMBB:                 true,
			MomentumWindowSize:        10,
			StagnationThreshold:       0.01,
			BacktrackDepth:            5,
			MomentumBeta:              0.9,
			BacktrackPower:            1,
			EnableCE:                  true,
			InitialExploreProb:        0.4,
			InitialExploitProb:        0.4,
			InitialBacktrackProb:      0.2,
			AdaptationRate:            0.05,
			CrossoverFrequency:        10,
		},
	}
}
