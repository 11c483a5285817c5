package controller

import (
	"context"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"openevolve/pkg/database"
	"openevolve/pkg/evalutil"
	"openevolve/pkg/evaluator"
	"openevolve/pkg/llm"
	"openevolve/pkg/logging"
	"openevolve/pkg/pacevolve"
	"openevolve/pkg/program"
	"openevolve/pkg/prompt"
)

// runIteration implements the thirteen-step per-iteration procedure of
// spec.md §4.9. Expected per-iteration faults (empty island, LLM retry
// exhaustion) are recovered locally: the iteration is skipped but the
// counter still advances in Run's loop.
func (c *Controller) runIteration(ctx context.Context, iteration int) error {
	logger := logging.GetLogger()
	numIslands := c.db.NumIslands()
	islandID := iteration % numIslands
	ctx = logging.WithIslandID(ctx, islandID)

	stagnating := c.mbb.Stagnating(islandID)

	// Step 3: MBB backtrack gate.
	if c.cfg.PACEvolve.EnableMBB && c.mbb.ShouldBacktrack(islandID) {
		if c.backtrack(ctx, iteration, islandID) {
			return nil
		}
	}

	// Step 4: CE crossover gate.
	if c.cfg.PACEvolve.EnableCE {
		peerBest := c.ce.MaxAbsoluteProgress(c.targetScore)
		if c.ce.ShouldPerformCrossover(iteration, islandID, stagnating, peerBest, c.targetScore) {
			if c.crossover(ctx, iteration, islandID, peerBest) {
				return nil
			}
		}
	}

	// Step 5: sampled action, with a backtrack attempt folded in.
	action := c.ce.Sample()
	if c.cfg.PACEvolve.EnableCE && action == pacevolve.ActionBacktrack && c.cfg.PACEvolve.EnableMBB {
		if c.backtrack(ctx, iteration, islandID) {
			return nil
		}
	}

	// Step 6: parent + inspirations.
	strategy := database.StrategyWeighted
	switch action {
	case pacevolve.ActionExplore:
		strategy = database.StrategyExplore
	case pacevolve.ActionExploit:
		strategy = database.StrategyExploit
	}
	parent, inspirations, err := c.db.SampleFromIsland(islandID, c.cfg.Prompt.NumDiversePrograms, strategy)
	if err != nil {
		logger.Warn(ctx, "skipping iteration %d: %v", iteration, err)
		return nil
	}

	parentFitness := parent.Fitness(c.cfg.Database.FeatureDimensions)
	prevFitness, hasPrev := c.islandPrevFitness[islandID]
	if !hasPrev {
		prevFitness = parentFitness
	}

	// Step 7: build the prompt.
	diffMode := c.pickDiffMode()
	in := prompt.BuildInput{
		CurrentProgram:  parent.Code,
		Metrics:         parent.Metrics,
		Fitness:         parentFitness,
		PreviousFitness: prevFitness,
		HasPrevious:     hasPrev,
		FeatureCoords:   c.db.FeatureCoords(parent),
		TopPrograms:     c.summarize(c.db.TopPrograms(c.cfg.Prompt.NumTopPrograms)),
		Inspirations:    c.summarize(inspirations),
		Language:        c.cfg.Language,
		Iteration:       iteration,
		DiffMode:        diffMode,
		Artifacts:       parentArtifacts(parent),
	}
	if c.cfg.PACEvolve.EnableHCM {
		in.GenerationIdeas = ideaContexts(c.hcm.GenerationContext())
		in.SelectionIdeas = ideaContexts(c.hcm.SelectionContext())
	}
	system, user := c.sampler.Build(ctx, in)

	// Steps 8-10: generate and evaluate one or more candidates concurrently
	// (evaluator.parallelEvaluations), keeping the fittest as this
	// iteration's child.
	child, err := c.generateAndEvaluate(ctx, system, user, parent, diffMode, iteration)
	if err != nil {
		logger.Warn(ctx, "llm generation exhausted retries at iteration %d: %v", iteration, err)
		return err
	}
	child.Metadata["action"] = string(action)
	c.db.Add(child, iteration, &islandID)

	childFitness := child.Fitness(c.cfg.Database.FeatureDimensions)
	c.islandPrevFitness[islandID] = childFitness
	if childFitness > c.bestEverScore {
		c.bestEverScore = childFitness
	}

	// Step 11: post-update HCM/MBB/CE.
	if c.cfg.PACEvolve.EnableHCM {
		c.hcm.AddIdea(child.ID, child.Code, childFitness, iteration)
	}
	if c.cfg.PACEvolve.EnableMBB {
		c.mbb.Update(childFitness, iteration, islandID, child.ID, child.Code, c.targetScore)
	}
	if c.cfg.PACEvolve.EnableCE {
		islandBest, _ := c.db.IslandBestFitness(islandID)
		absProgress := c.ce.UpdateIslandProgress(islandID, islandBest, c.targetScore)
		peerBest := c.ce.MaxAbsoluteProgress(c.targetScore)
		momentum := c.mbb.Momentum(islandID)
		c.ce.Update(momentum, &absProgress, &peerBest)
	}

	if c.cfg.PACEvolve.PruningInterval > 0 && iteration%c.cfg.PACEvolve.PruningInterval == 0 {
		c.hcm.PruneStaleIdeas(iteration)
	}
	if c.cfg.PACEvolve.MomentumWindowSize > 0 && iteration%c.cfg.PACEvolve.MomentumWindowSize == 0 {
		logger.Info(ctx, "pacevolve stats: island=%d momentum=%.4f policy=%+v", islandID, c.mbb.Momentum(islandID), c.ce.Policy())
	}

	// Step 12: advance generation, maybe migrate.
	c.db.AdvanceIslandGeneration(islandID)
	if c.db.ShouldMigrate(c.cfg.Database.MigrationInterval) {
		c.db.MigratePrograms()
	}

	// Step 13: emit progress.
	best, _ := c.db.BestProgram()
	var bestID string
	var bestScore float64
	if best != nil {
		bestID = best.ID
		bestScore = best.Fitness(c.cfg.Database.FeatureDimensions)
	}
	c.events.Publish(Event{
		Type:      EventProgress,
		Timestamp: time.Now(),
		Data: ProgressData{
			Iteration:     iteration,
			BestScore:     bestScore,
			Metrics:       child.Metrics,
			BestProgramID: bestID,
		},
	})

	return nil
}

// backtrack samples an MBB target for islandID, clones it under a fresh id
// with metadata.backtracked=true, inserts it, and resets HCM's selection
// context. Returns false (a no-op) when the island has no backtrack
// history yet.
func (c *Controller) backtrack(ctx context.Context, iteration, islandID int) bool {
	rec, ok := c.mbb.BacktrackTarget(islandID)
	if !ok {
		return false
	}
	source, ok := c.db.Get(rec.ProgramID)
	if !ok {
		return false
	}

	clone := source.Clone()
	clone.ID = pacevolve.NewBacktrackProgramID()
	clone.ParentID = source.ID
	clone.Generation = source.Generation + 1
	clone.IterationFound = iteration
	clone.Metadata["backtracked"] = true
	c.db.Add(clone, iteration, &islandID)

	c.hcm.ResetForBacktrack()

	logging.GetLogger().Info(ctx, "backtracked island %d to program %s (from iteration %d)", islandID, rec.ProgramID, rec.Iteration)

	best, _ := c.db.BestProgram()
	var bestID string
	var bestScore float64
	if best != nil {
		bestID = best.ID
		bestScore = best.Fitness(c.cfg.Database.FeatureDimensions)
	}
	c.events.Publish(Event{
		Type:      EventProgress,
		Timestamp: time.Now(),
		Data:      ProgressData{Iteration: iteration, BestScore: bestScore, Metrics: clone.Metrics, BestProgramID: bestID},
	})
	return true
}

// crossover builds an offspring from the best residents of islandID and a
// weighted-chosen partner island, by asking the LLM to combine them (a
// full-rewrite-style prompt whose sole inspiration is the partner's best
// program), then evaluates and inserts the result on islandID.
func (c *Controller) crossover(ctx context.Context, iteration, islandID int, peerBest float64) bool {
	candidates := make([]int, 0, c.db.NumIslands()-1)
	for i := 0; i < c.db.NumIslands(); i++ {
		if i != islandID {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	partnerID := c.ce.SelectCrossoverPartner(islandID, candidates, c.targetScore)

	parent1, ok1 := c.db.IslandBest(islandID)
	parent2, ok2 := c.db.IslandBest(partnerID)
	if !ok1 || !ok2 {
		return false
	}

	in := prompt.BuildInput{
		CurrentProgram: parent1.Code,
		Metrics:        parent1.Metrics,
		Fitness:        parent1.Fitness(c.cfg.Database.FeatureDimensions),
		FeatureCoords:  c.db.FeatureCoords(parent1),
		TopPrograms:    c.summarize([]*program.Program{parent1}),
		Inspirations:   c.summarize([]*program.Program{parent2}),
		Language:       c.cfg.Language,
		Iteration:      iteration,
		DiffMode:       false,
	}
	system, user := c.sampler.Build(ctx, in)

	text, err := c.ensemble.Generate(ctx, system, []llm.Message{{Role: "user", Content: user}}, llm.GenerateOptions{
		MaxTokens:   c.cfg.LLM.MaxTokens,
		Temperature: c.cfg.LLM.Temperature,
		TopP:        c.cfg.LLM.TopP,
	})
	if err != nil {
		logging.GetLogger().Warn(ctx, "crossover llm call failed at iteration %d: %v", iteration, err)
		return false
	}
	code := evalutil.ExtractCode(text, c.cfg.Language)
	if code == "" {
		code = text
	}

	offspring := program.New(code, c.cfg.Language, parent1, iteration)
	if parent2.Generation+1 > offspring.Generation {
		offspring.Generation = parent2.Generation + 1
	}
	result, err := c.eval.Evaluate(ctx, offspring.ID, code, c.cfg.Language)
	if err != nil {
		offspring.Metrics = map[string]float64{"error": 0.0}
	} else {
		offspring.Metrics = result.Metrics
		offspring.Artifacts = stringArtifacts(result.Artifacts)
	}
	applyPendingArtifact(c.eval, offspring)
	offspring.Complexity = float64(len([]rune(code)))
	offspring.Metadata["crossover"] = true
	offspring.Metadata["parent1Id"] = parent1.ID
	offspring.Metadata["parent2Id"] = parent2.ID
	offspring.Metadata["sourceIslands"] = []int{islandID, partnerID}

	c.db.Add(offspring, iteration, &islandID)
	c.ce.RecordCrossover(iteration)

	logging.GetLogger().Info(ctx, "crossover at iteration %d: island %d x %d -> %s", iteration, islandID, partnerID, offspring.ID)

	best, _ := c.db.BestProgram()
	var bestID string
	var bestScore float64
	if best != nil {
		bestID = best.ID
		bestScore = best.Fitness(c.cfg.Database.FeatureDimensions)
	}
	c.events.Publish(Event{
		Type:      EventProgress,
		Timestamp: time.Now(),
		Data:      ProgressData{Iteration: iteration, BestScore: bestScore, Metrics: offspring.Metrics, BestProgramID: bestID},
	})
	return true
}

// generateAndEvaluate runs evaluator.parallelEvaluations independent
// LLM-generate-then-evaluate attempts against the same prompt concurrently
// (grounded on SIMBA's evaluateCandidates pool-of-goroutines-over-a-slice
// pattern), and returns the fittest resulting candidate. The iteration only
// fails if every attempt fails to generate; when parallelEvaluations is 1
// that reduces to the single-attempt case.
func (c *Controller) generateAndEvaluate(ctx context.Context, system, user string, parent *program.Program, diffMode bool, iteration int) (*program.Program, error) {
	n := c.cfg.Evaluator.ParallelEvaluations
	if n < 1 {
		n = 1
	}

	candidates := make([]*program.Program, n)
	genErrs := make([]error, n)

	p := pool.New().WithMaxGoroutines(n)
	for i := 0; i < n; i++ {
		i := i
		p.Go(func() {
			text, err := c.ensemble.Generate(ctx, system, []llm.Message{{Role: "user", Content: user}}, llm.GenerateOptions{
				MaxTokens:   c.cfg.LLM.MaxTokens,
				Temperature: c.cfg.LLM.Temperature,
				TopP:        c.cfg.LLM.TopP,
			})
			if err != nil {
				genErrs[i] = err
				return
			}

			var code string
			if diffMode {
				blocks := evalutil.ParseDiff(text)
				code = evalutil.ApplyDiff(parent.Code, blocks)
			} else {
				code = evalutil.ExtractCode(text, c.cfg.Language)
				if code == "" {
					code = text
				}
			}

			candidate := program.New(code, c.cfg.Language, parent, iteration)
			result, err := c.eval.Evaluate(ctx, candidate.ID, code, c.cfg.Language)
			if err != nil {
				candidate.Metrics = map[string]float64{"error": 0.0}
			} else {
				candidate.Metrics = result.Metrics
				candidate.Artifacts = stringArtifacts(result.Artifacts)
			}
			applyPendingArtifact(c.eval, candidate)
			candidate.Complexity = float64(len([]rune(code)))
			candidates[i] = candidate
		})
	}
	p.Wait()

	var best *program.Program
	var bestFitness float64
	for _, cand := range candidates {
		if cand == nil {
			continue
		}
		if f := cand.Fitness(c.cfg.Database.FeatureDimensions); best == nil || f > bestFitness {
			best, bestFitness = cand, f
		}
	}
	if best == nil {
		// Every attempt failed to generate: report all of them together
		// rather than just the first goroutine to fail.
		return nil, multierr.Combine(genErrs...)
	}
	return best, nil
}

func (c *Controller) summarize(progs []*program.Program) []prompt.ProgramSummary {
	out := make([]prompt.ProgramSummary, len(progs))
	for i, p := range progs {
		out[i] = prompt.ProgramSummary{Code: p.Code, Fitness: p.Fitness(c.cfg.Database.FeatureDimensions)}
	}
	return out
}

func ideaContexts(clusters []*pacevolve.IdeaCluster) []prompt.IdeaContext {
	out := make([]prompt.IdeaContext, len(clusters))
	for i, c := range clusters {
		summary := ""
		if len(c.Hypotheses) > 0 {
			summary = c.Hypotheses[len(c.Hypotheses)-1].Summary
		}
		out[i] = prompt.IdeaContext{Title: c.Title, Summary: summary}
	}
	return out
}

func parentArtifacts(p *program.Program) map[string]string {
	if len(p.Artifacts) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.Artifacts))
	for k, v := range p.Artifacts {
		out[k] = string(v)
	}
	return out
}

// stringArtifacts converts an evaluator Result's string-valued artifacts
// into the byte-valued map Program.Artifacts stores.
func stringArtifacts(in map[string]string) map[string][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = []byte(v)
	}
	return out
}

// applyPendingArtifact drains any diagnostic PendingArtifact the evaluator
// left for p.ID (a failed evaluation attempt or a cascade threshold
// short-circuit) and folds
// it into p.Artifacts so it surfaces in the next prompt's artifacts section.
func applyPendingArtifact(eval *evaluator.Evaluator, p *program.Program) {
	art, ok := eval.DrainPendingArtifact(p.ID)
	if !ok {
		return
	}
	if p.Artifacts == nil {
		p.Artifacts = map[string][]byte{}
	}
	if art.FailureStage != "" {
		p.Artifacts["failure_stage"] = []byte(art.FailureStage)
	}
	if art.Stderr != "" {
		p.Artifacts["stderr"] = []byte(art.Stderr)
	}
	p.Artifacts["attempt"] = []byte(strconv.Itoa(art.Attempt))
}
