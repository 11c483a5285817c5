package prompt

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// ProgramSummary is the slice of a program's state the sampler needs to
// render it into evolution history: its code and fitness.
type ProgramSummary struct {
	Code    string
	Fitness float64
}

// IdeaContext is one HCM cluster as surfaced to the prompt, decoupled from
// the pacevolve package's own representation.
type IdeaContext struct {
	Title   string
	Summary string
}

// BuildInput carries everything the sampler needs to assemble one prompt.
type BuildInput struct {
	CurrentProgram  string
	Metrics         map[string]float64
	Fitness         float64
	PreviousFitness float64
	HasPrevious     bool
	FeatureCoords   map[string]int
	TopPrograms     []ProgramSummary
	Inspirations    []ProgramSummary
	GenerationIdeas []IdeaContext
	SelectionIdeas  []IdeaContext
	Language        string
	Iteration       int
	DiffMode        bool
	Artifacts       map[string]string

	UserTemplateOverride   string
	SystemMessageOverride  string
}

// Config controls sampler-wide behavior independent of any single call.
type Config struct {
	UserTemplateOverride            string
	SystemMessageOverride           string
	UseTemplateStochasticity        bool
	MaxArtifactBytes                int
	SuggestSimplificationAfterChars int
	RandomSeed                      *int64
}

// Sampler assembles {system, user} message pairs from a TemplateManager.
type Sampler struct {
	templates *TemplateManager
	cfg       Config
	rng       *rand.Rand
}

// NewSampler constructs a Sampler bound to templates.
func NewSampler(templates *TemplateManager, cfg Config) *Sampler {
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = 2000
	}
	if cfg.SuggestSimplificationAfterChars <= 0 {
		cfg.SuggestSimplificationAfterChars = 4000
	}
	var rng *rand.Rand
	if cfg.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*cfg.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Sampler{templates: templates, cfg: cfg, rng: rng}
}

// synonyms is the deliberately small, fixed substitution table for template
// stochasticity: no language-specific randomness framework, just whole-word
// swaps.
var synonyms = map[string][]string{
	"improve":   {"improve", "enhance", "refine", "optimize"},
	"program":   {"program", "implementation", "solution", "code"},
	"analyze":   {"analyze", "examine", "inspect", "review"},
	"rewrite":   {"rewrite", "redo", "recompose", "restructure"},
	"current":   {"current", "existing", "present"},
	"propose":   {"propose", "suggest", "offer", "put forward"},
}

// Build assembles the system and user messages for one LLM call following
// the seven-step procedure: pick templates, format metrics/fitness/feature
// coordinates and an improvement-areas note, render evolution history,
// optionally append artifacts, optionally apply synonym substitution, then
// fill in the template's placeholders.
func (s *Sampler) Build(ctx context.Context, in BuildInput) (system, user string) {
	userTemplateName := "full_rewrite_user"
	systemTemplateName := "full_rewrite_system"
	if in.DiffMode {
		userTemplateName = "diff_user"
		systemTemplateName = "diff_system"
	}

	userTemplate := s.templates.Get(ctx, userTemplateName)
	if in.UserTemplateOverride != "" {
		userTemplate = in.UserTemplateOverride
	} else if s.cfg.UserTemplateOverride != "" {
		userTemplate = s.cfg.UserTemplateOverride
	}

	systemMessage := s.templates.Get(ctx, systemTemplateName)
	if in.SystemMessageOverride != "" {
		systemMessage = in.SystemMessageOverride
	} else if s.cfg.SystemMessageOverride != "" {
		systemMessage = s.cfg.SystemMessageOverride
	}

	metricsText := formatMetrics(in.Metrics)
	featureCoordsText := formatFeatureCoords(in.FeatureCoords)
	improvementAreas := s.improvementAreas(in)
	evolutionHistory := s.evolutionHistory(in)
	ideaContext := s.ideaContext(in)
	artifactsSection := s.artifactsSection(in.Artifacts)

	if s.cfg.UseTemplateStochasticity {
		userTemplate = s.applySynonyms(userTemplate)
	}

	replacements := map[string]string{
		"currentProgram":    in.CurrentProgram,
		"metrics":           metricsText,
		"featureCoords":     featureCoordsText,
		"improvementAreas":  improvementAreas,
		"evolutionHistory":  evolutionHistory,
		"ideaContext":       ideaContext,
		"artifactsSection":  artifactsSection,
		"language":          in.Language,
		"iteration":         strconv.Itoa(in.Iteration),
	}

	return systemMessage, fillPlaceholders(userTemplate, replacements)
}

func fillPlaceholders(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "(no metrics)"
	}
	parts := make([]string, 0, len(metrics))
	for k, v := range metrics {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, v))
	}
	return strings.Join(parts, ", ")
}

func formatFeatureCoords(coords map[string]int) string {
	if len(coords) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(coords))
	for k, v := range coords {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	return strings.Join(parts, ", ")
}

func (s *Sampler) improvementAreas(in BuildInput) string {
	var b strings.Builder
	if in.HasPrevious {
		delta := in.Fitness - in.PreviousFitness
		switch {
		case delta > 0:
			fmt.Fprintf(&b, "Fitness improved by %.4f over the previous attempt; keep building on what worked.\n", delta)
		case delta < 0:
			fmt.Fprintf(&b, "Fitness dropped by %.4f from the previous attempt; consider reverting the regressing change.\n", -delta)
		default:
			b.WriteString("Fitness is unchanged from the previous attempt.\n")
		}
	}
	if len([]rune(in.CurrentProgram)) > s.cfg.SuggestSimplificationAfterChars {
		b.WriteString("The program is quite long; consider simplifying or removing dead code.\n")
	}
	if b.Len() == 0 {
		return s.templates.Fragment("no_history")
	}
	return strings.TrimSpace(b.String())
}

func (s *Sampler) evolutionHistory(in BuildInput) string {
	top := in.TopPrograms
	if len(top) > 3 {
		top = top[:3]
	}
	insp := in.Inspirations
	if len(insp) > 2 {
		insp = insp[:2]
	}
	if len(top) == 0 && len(insp) == 0 {
		return s.templates.Fragment("no_history")
	}

	var b strings.Builder
	if len(top) > 0 {
		b.WriteString("Top programs so far:\n")
		for i, p := range top {
			fmt.Fprintf(&b, "%d. fitness=%.4f\n```%s\n%s\n```\n", i+1, p.Fitness, in.Language, p.Code)
		}
	}
	if len(insp) > 0 {
		b.WriteString("Inspirations:\n")
		for i, p := range insp {
			fmt.Fprintf(&b, "%d. fitness=%.4f\n```%s\n%s\n```\n", i+1, p.Fitness, in.Language, p.Code)
		}
	}
	return strings.TrimSpace(b.String())
}

func (s *Sampler) ideaContext(in BuildInput) string {
	if len(in.GenerationIdeas) == 0 && len(in.SelectionIdeas) == 0 {
		return s.templates.Fragment("no_ideas")
	}
	var b strings.Builder
	if len(in.GenerationIdeas) > 0 {
		b.WriteString("Ideas worth exploring:\n")
		for _, idea := range in.GenerationIdeas {
			fmt.Fprintf(&b, "- %s: %s\n", idea.Title, idea.Summary)
		}
	}
	if len(in.SelectionIdeas) > 0 {
		b.WriteString("High-scoring prior directions:\n")
		for _, idea := range in.SelectionIdeas {
			fmt.Fprintf(&b, "- %s: %s\n", idea.Title, idea.Summary)
		}
	}
	return strings.TrimSpace(b.String())
}

func (s *Sampler) artifactsSection(artifacts map[string]string) string {
	if len(artifacts) == 0 {
		return s.templates.Fragment("no_artifacts")
	}
	var b strings.Builder
	b.WriteString("Artifacts from the previous evaluation:\n")
	for name, content := range artifacts {
		truncated := content
		if len(truncated) > s.cfg.MaxArtifactBytes {
			truncated = truncated[:s.cfg.MaxArtifactBytes] + "...(truncated)"
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, truncated)
	}
	return strings.TrimSpace(b.String())
}

var wordPattern = regexp.MustCompile(`[A-Za-z]+`)

func (s *Sampler) applySynonyms(template string) string {
	return wordPattern.ReplaceAllStringFunc(template, func(w string) string {
		options, ok := synonyms[strings.ToLower(w)]
		if !ok {
			return w
		}
		return options[s.rng.Intn(len(options))]
	})
}
