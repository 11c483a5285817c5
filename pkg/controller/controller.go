// Package controller implements the iteration state machine (spec.md
// §4.9): it wires the program database, evaluator, LLM ensemble, prompt
// sampler, and the three PACEvolve mechanisms (HCM, MBB, CE) into a single
// run loop and exposes the progress-event bus external subscribers consume.
package controller

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"openevolve/pkg/config"
	"openevolve/pkg/database"
	errs "openevolve/pkg/errors"
	"openevolve/pkg/evaluator"
	"openevolve/pkg/llm"
	"openevolve/pkg/logging"
	"openevolve/pkg/pacevolve"
	"openevolve/pkg/program"
	"openevolve/pkg/prompt"
)

// Options bundles everything New needs beyond the run configuration: the
// loaded evaluator module, the seed program's source, the output directory,
// and an optional target score that ends the run early.
type Options struct {
	Config      *config.Config
	Evaluator   *evaluator.Module
	SeedCode    string
	OutputDir   string
	TargetScore *float64
}

// Controller is a single evolution run: one Controller per run id, never
// shared across concurrent Run calls (spec.md §5).
type Controller struct {
	cfg         *config.Config
	outputDir   string
	targetScore *float64
	runID       string

	db       *database.Database
	eval     *evaluator.Evaluator
	ensemble *llm.Ensemble
	sampler  *prompt.Sampler
	hcm      *pacevolve.HCM
	mbb      *pacevolve.MBB
	ce       *pacevolve.CE
	events   *EventBus
	rng      *rand.Rand

	stopped atomic.Bool
	paused  atomic.Bool

	islandPrevFitness map[int]float64

	bestEverScore  float64
	startIteration int
}

// New constructs a Controller: builds the LLM ensemble, database, evaluator,
// prompt sampler, and PACEvolve state, then evaluates and inserts the seed
// program into island 0 at iteration 0.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Evaluator == nil {
		return nil, errs.New(errs.EvaluatorLoad, "controller requires a loaded evaluator module")
	}

	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, c.runID)
	seed := program.New(opts.SeedCode, c.cfg.Language, nil, 0)
	result, err := c.eval.Evaluate(ctx, seed.ID, seed.Code, c.cfg.Language)
	if err != nil {
		result = evaluator.Result{Metrics: map[string]float64{"error": 0.0}}
	}
	seed.Metrics = result.Metrics
	seed.Artifacts = stringArtifacts(result.Artifacts)
	applyPendingArtifact(c.eval, seed)
	seed.Complexity = float64(len([]rune(seed.Code)))
	zero := 0
	c.db.Add(seed, 0, &zero)
	c.bestEverScore = seed.Fitness(c.cfg.Database.FeatureDimensions)

	return c, nil
}

// ResumeOptions bundles what Resume needs beyond Options: the checkpoint
// directory to restore the database from.
type ResumeOptions struct {
	Options
	CheckpointDir string
}

// Resume rebuilds a Controller identically to New, except the database is
// restored from a prior checkpoint via database.Load instead of seeded
// fresh, and the run loop continues from the checkpoint's last iteration.
func Resume(ctx context.Context, opts ResumeOptions) (*Controller, int, error) {
	if opts.Evaluator == nil {
		return nil, 0, errs.New(errs.EvaluatorLoad, "controller requires a loaded evaluator module")
	}

	c, err := newCore(opts.Options)
	if err != nil {
		return nil, 0, err
	}

	db, lastIteration, err := database.Load(opts.CheckpointDir, database.Config{
		PopulationSize:         c.cfg.Database.PopulationSize,
		ArchiveSize:            c.cfg.Database.ArchiveSize,
		NumIslands:             c.cfg.Database.NumIslands,
		FeatureDimensions:      c.cfg.Database.FeatureDimensions,
		FeatureBins:            c.cfg.Database.FeatureBins,
		DefaultBins:            c.cfg.Database.DefaultBins,
		DiversityReferenceSize: c.cfg.Database.DiversityReferenceSize,
		MigrationInterval:      c.cfg.Database.MigrationInterval,
		MigrationRate:          c.cfg.Database.MigrationRate,
		RandomSeed:             c.cfg.Database.RandomSeed,
	})
	if err != nil {
		return nil, 0, err
	}
	c.db = db
	c.startIteration = lastIteration
	if best, ok := db.BestProgram(); ok {
		c.bestEverScore = best.Fitness(c.cfg.Database.FeatureDimensions)
	}

	return c, lastIteration, nil
}

// newCore builds every Controller dependency except the database's initial
// contents, shared by New (fresh seed) and Resume (loaded checkpoint).
func newCore(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errs.New(errs.ConfigLoad, "controller requires a configuration")
	}

	if err := os.MkdirAll(filepath.Join(opts.OutputDir, "checkpoints"), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "create checkpoints dir")
	}
	if err := os.MkdirAll(filepath.Join(opts.OutputDir, "best"), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "create best dir")
	}

	ensemble, err := buildEnsemble(cfg)
	if err != nil {
		return nil, err
	}

	db := database.New(database.Config{
		PopulationSize:         cfg.Database.PopulationSize,
		ArchiveSize:            cfg.Database.ArchiveSize,
		NumIslands:             cfg.Database.NumIslands,
		FeatureDimensions:      cfg.Database.FeatureDimensions,
		FeatureBins:            cfg.Database.FeatureBins,
		DefaultBins:            cfg.Database.DefaultBins,
		DiversityReferenceSize: cfg.Database.DiversityReferenceSize,
		MigrationInterval:      cfg.Database.MigrationInterval,
		MigrationRate:          cfg.Database.MigrationRate,
		RandomSeed:             cfg.Database.RandomSeed,
	})

	var feedbackEnsemble *llm.Ensemble
	if cfg.Evaluator.UseLLMFeedback {
		feedbackEnsemble, err = buildFeedbackEnsemble(cfg)
		if err != nil {
			return nil, err
		}
	}

	ev := evaluator.New(opts.Evaluator, evaluator.Config{
		Timeout:           time.Duration(cfg.Evaluator.Timeout) * time.Second,
		Retries:           cfg.Evaluator.MaxRetries,
		CascadeEvaluation: cfg.Evaluator.CascadeEvaluation,
		CascadeThresholds: cfg.Evaluator.CascadeThresholds,
		EnableArtifacts:   cfg.Evaluator.EnableArtifacts && evaluator.ArtifactsEnabledFromEnv(),
		UseLLMFeedback:    cfg.Evaluator.UseLLMFeedback,
		LLMFeedbackWeight: cfg.Evaluator.LLMFeedbackWeight,
		FeedbackEnsemble:  feedbackEnsemble,
		FeedbackSystem:    cfg.Prompt.EvaluatorSystemMessage,
	})

	templates, err := prompt.NewTemplateManager(cfg.Prompt.TemplateDir)
	if err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "load prompt templates")
	}
	sampler := prompt.NewSampler(templates, prompt.Config{
		SystemMessageOverride:           cfg.Prompt.SystemMessage,
		UseTemplateStochasticity:        cfg.Prompt.UseTemplateStochasticity,
		MaxArtifactBytes:                cfg.Prompt.MaxArtifactBytes,
		SuggestSimplificationAfterChars: cfg.Prompt.SuggestSimplificationAfterChars,
		RandomSeed:                      cfg.RandomSeed,
	})

	var rng *rand.Rand
	if cfg.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*cfg.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	hcm := pacevolve.NewHCM(pacevolve.HCMConfig{
		PruningThreshold:          cfg.PACEvolve.PruningThreshold,
		PruningInterval:           cfg.PACEvolve.PruningInterval,
		MaxIdeas:                  cfg.PACEvolve.MaxIdeas,
		MaxHypothesesPerIdea:      cfg.PACEvolve.MaxHypothesesPerIdea,
		IdeaDistinctnessThreshold: cfg.PACEvolve.IdeaDistinctnessThreshold,
		IdeaSummaryMaxChars:       cfg.PACEvolve.IdeaSummaryMaxChars,
		HypothesisSummaryMaxChars: cfg.PACEvolve.HypothesisSummaryMaxChars,
	})
	mbb := pacevolve.NewMBB(pacevolve.MBBConfig{
		MomentumWindowSize:  cfg.PACEvolve.MomentumWindowSize,
		StagnationThreshold: cfg.PACEvolve.StagnationThreshold,
		BacktrackDepth:      cfg.PACEvolve.BacktrackDepth,
		MomentumBeta:        cfg.PACEvolve.MomentumBeta,
		BacktrackPower:      cfg.PACEvolve.BacktrackPower,
	}, rng)
	ce := pacevolve.NewCE(pacevolve.CEConfig{
		Enabled:              cfg.PACEvolve.EnableCE,
		InitialExploreProb:   cfg.PACEvolve.InitialExploreProb,
		InitialExploitProb:   cfg.PACEvolve.InitialExploitProb,
		InitialBacktrackProb: cfg.PACEvolve.InitialBacktrackProb,
		AdaptationRate:       cfg.PACEvolve.AdaptationRate,
		CrossoverFrequency:   cfg.PACEvolve.CrossoverFrequency,
	}, rng)

	return &Controller{
		cfg:               cfg,
		outputDir:         opts.OutputDir,
		targetScore:       opts.TargetScore,
		runID:             uuid.NewString(),
		db:                db,
		eval:              ev,
		ensemble:          ensemble,
		sampler:           sampler,
		hcm:               hcm,
		mbb:               mbb,
		ce:                ce,
		events:            NewEventBus(),
		rng:               rng,
		islandPrevFitness: map[int]float64{},
	}, nil
}

func buildEnsemble(cfg *config.Config) (*llm.Ensemble, error) {
	clients := make([]llm.Client, 0, len(cfg.LLM.Models))
	weights := make([]float64, 0, len(cfg.LLM.Models))
	for _, m := range cfg.LLM.Models {
		apiKey := m.APIKey
		if apiKey == "" {
			apiKey = cfg.LLM.APIKey
		}
		apiBase := m.APIBase
		if apiBase == "" {
			apiBase = cfg.LLM.APIBase
		}
		client, err := llm.NewAnthropicClient(apiKey, m.Name, apiBase)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
		weights = append(weights, m.Weight)
	}
	return llm.NewEnsemble(clients, weights, llm.EnsembleConfig{
		Retries:    cfg.LLM.Retries,
		RetryDelay: time.Duration(cfg.LLM.RetryDelay) * time.Second,
		RandomSeed: cfg.LLM.RandomSeed,
	})
}

// buildFeedbackEnsemble mirrors buildEnsemble but samples llm.evaluatorModels
// instead of llm.models: the evaluator's optional LLM-feedback pass critiques
// candidates with its own model mix, separate from the generation ensemble.
func buildFeedbackEnsemble(cfg *config.Config) (*llm.Ensemble, error) {
	clients := make([]llm.Client, 0, len(cfg.LLM.EvaluatorModels))
	weights := make([]float64, 0, len(cfg.LLM.EvaluatorModels))
	for _, m := range cfg.LLM.EvaluatorModels {
		apiKey := m.APIKey
		if apiKey == "" {
			apiKey = cfg.LLM.APIKey
		}
		apiBase := m.APIBase
		if apiBase == "" {
			apiBase = cfg.LLM.APIBase
		}
		client, err := llm.NewAnthropicClient(apiKey, m.Name, apiBase)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
		weights = append(weights, m.Weight)
	}
	return llm.NewEnsemble(clients, weights, llm.EnsembleConfig{
		Retries:    cfg.LLM.Retries,
		RetryDelay: time.Duration(cfg.LLM.RetryDelay) * time.Second,
		RandomSeed: cfg.LLM.RandomSeed,
	})
}

// Events returns the controller's progress-event bus for external
// subscribers. Subscribers must not mutate controller state.
func (c *Controller) Events() *EventBus { return c.events }

// Stop requests the run loop exit after its current iteration's awaits
// resolve (spec.md §5 "Cancellation & timeouts").
func (c *Controller) Stop() { c.stopped.Store(true) }

// Pause suspends the run loop between iterations without discarding its
// in-memory database, resuming where Continue is called — the paused/resume
// capability recovered from original_source/'s server_api (see SPEC_FULL.md
// §5).
func (c *Controller) Pause() { c.paused.Store(true) }

// Continue resumes a paused run.
func (c *Controller) Continue() { c.paused.Store(false) }

// BestProgram returns the globally best program found so far.
func (c *Controller) BestProgram() (*program.Program, bool) { return c.db.BestProgram() }

// Database exposes the underlying program database (for EvolutionData and
// checkpointing from outside the run loop).
func (c *Controller) Database() *database.Database { return c.db }

// RunID returns this controller's stable run identifier.
func (c *Controller) RunID() string { return c.runID }

// Run drives the controller through iterations 1..maxIterations, exiting
// early on a stop request, context cancellation, or reaching targetScore.
// It saves the globally best program and emits a complete event before
// returning.
func (c *Controller) Run(ctx context.Context) (*program.Program, error) {
	ctx = logging.WithRunID(ctx, c.runID)
	logger := logging.GetLogger()
	n := c.cfg.MaxIterations

	finalIteration := c.startIteration
	for iteration := c.startIteration + 1; iteration <= n; iteration++ {
		if c.stopped.Load() {
			break
		}
		select {
		case <-ctx.Done():
			return c.finish(ctx, finalIteration)
		default:
		}
		for c.paused.Load() {
			select {
			case <-ctx.Done():
				return c.finish(ctx, finalIteration)
			case <-time.After(100 * time.Millisecond):
			}
		}

		c.safeIteration(ctx, iteration)
		finalIteration = iteration

		if c.targetScore != nil {
			if best, ok := c.db.BestProgram(); ok && best.Fitness(c.cfg.Database.FeatureDimensions) >= *c.targetScore {
				break
			}
		}

		if c.cfg.CheckpointInterval > 0 && iteration%c.cfg.CheckpointInterval == 0 {
			dir := filepath.Join(c.outputDir, "checkpoints", checkpointDirName(iteration))
			if err := c.db.Save(dir, iteration); err != nil {
				logger.Warn(ctx, "checkpoint save failed at iteration %d: %v", iteration, err)
			}
		}
	}

	return c.finish(ctx, finalIteration)
}

func checkpointDirName(iteration int) string {
	return "checkpoint_" + strconv.Itoa(iteration)
}

// safeIteration runs one iteration, recovering from any panic and treating
// it like any other recovered per-iteration fault (spec.md §7): logged,
// surfaced as an error event, loop continues.
func (c *Controller) safeIteration(ctx context.Context, iteration int) {
	logger := logging.GetLogger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "iteration %d panicked: %v", iteration, r)
			c.events.Publish(Event{Type: EventError, Timestamp: time.Now(), Data: ErrorData{Error: "panic in iteration"}})
		}
	}()
	if err := c.runIteration(ctx, iteration); err != nil {
		logger.Warn(ctx, "iteration %d failed: %v", iteration, err)
		c.events.Publish(Event{Type: EventError, Timestamp: time.Now(), Data: ErrorData{Error: err.Error()}})
	}
}

func (c *Controller) finish(ctx context.Context, lastIteration int) (*program.Program, error) {
	best, ok := c.db.BestProgram()
	if ok {
		if err := c.saveBest(best); err != nil {
			logging.GetLogger().Warn(ctx, "failed to save best program: %v", err)
		}
	}
	c.events.Publish(Event{Type: EventComplete, Timestamp: time.Now()})
	return best, nil
}

// pickDiffMode alternates toward diff-mode prompts, occasionally asking for
// a full rewrite so the population doesn't get stuck unable to escape a
// local structure only SEARCH/REPLACE edits can reach.
func (c *Controller) pickDiffMode() bool {
	return c.rng.Float64() < 0.7
}
