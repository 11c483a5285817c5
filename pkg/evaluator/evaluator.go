package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/evalutil"
	"openevolve/pkg/llm"
	"openevolve/pkg/logging"
)

// defaultFeedbackSystem is used when Config.FeedbackSystem is unset.
const defaultFeedbackSystem = "You evaluate candidate program quality. Respond with only a JSON object mapping short metric names to numeric scores between 0 and 1, no prose."

// Config controls how Evaluator runs a candidate against a loaded Module.
type Config struct {
	Timeout           time.Duration
	Retries           int
	RetryDelay        time.Duration
	CascadeEvaluation bool
	CascadeThresholds []float64 // one threshold per configured stage, except the last stage which always runs to completion
	EnableArtifacts   bool
	WorkDir           string // parent directory for per-candidate temp dirs; os.TempDir() if empty

	// UseLLMFeedback asks FeedbackEnsemble to critique each evaluated
	// candidate and merges its response as auxiliary "llm_"-prefixed
	// metrics, scaled by LLMFeedbackWeight. A failure here is logged and
	// swallowed: LLM feedback is an enrichment, not a correctness gate.
	UseLLMFeedback    bool
	LLMFeedbackWeight float64
	FeedbackEnsemble  *llm.Ensemble
	FeedbackSystem    string
}

// Result is everything produced by evaluating one candidate.
type Result struct {
	Metrics   map[string]float64
	Artifacts map[string]string
}

// PendingArtifact is a diagnostic record left behind for a program id when an
// evaluation attempt fails (FailureStage "evaluation", or the cascade stage
// that errored) or a cascade stage short-circuits on threshold. Written by
// Evaluate, drained by whoever holds the resulting Program (typically the
// controller, right after Evaluate returns) via DrainPendingArtifact.
type PendingArtifact struct {
	Stderr       string
	FailureStage string
	Attempt      int
}

// Evaluator runs candidate source files against a loaded Module.
type Evaluator struct {
	module *Module
	cfg    Config

	mu      sync.Mutex
	pending map[string]PendingArtifact
}

// New constructs an Evaluator bound to module.
func New(module *Module, cfg Config) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Evaluator{module: module, cfg: cfg, pending: map[string]PendingArtifact{}}
}

// DrainPendingArtifact removes and returns the pending artifact recorded for
// programID, if any was recorded by the most recent Evaluate call for it.
func (e *Evaluator) DrainPendingArtifact(programID string) (PendingArtifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	art, ok := e.pending[programID]
	if ok {
		delete(e.pending, programID)
	}
	return art, ok
}

func (e *Evaluator) recordPending(programID string, art PendingArtifact) {
	if programID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[programID] = art
}

// Evaluate writes code to a fresh temp directory, evaluates it (cascading
// through stages when the module defines them and cfg.CascadeEvaluation is
// set, else calling Evaluate directly), and guarantees the temp directory is
// removed on every exit path. Failed attempts are retried up to cfg.Retries
// times, spaced by cfg.RetryDelay. programID keys any pending artifact this
// run leaves behind (see PendingArtifact); pass "" to skip that bookkeeping.
func (e *Evaluator) Evaluate(ctx context.Context, programID, code, language string) (Result, error) {
	dir, path, err := e.writeCandidate(code, language)
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(dir)

	logger := logging.GetLogger()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, errs.CheckContext(ctx, "evaluation")
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		result, stage, err := e.runOnce(ctx, path)
		if stage == "" && err != nil {
			stage = "evaluation"
		}
		if stage != "" {
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			e.recordPending(programID, PendingArtifact{Stderr: msg, FailureStage: stage, Attempt: attempt})
		}
		if err == nil {
			return e.applyLLMFeedback(ctx, code, result), nil
		}
		lastErr = err
		logger.Warn(ctx, "evaluation attempt %d/%d failed: %v", attempt+1, e.cfg.Retries+1, err)
	}
	return Result{}, errs.WithFields(errs.Wrap(lastErr, errs.EvaluationFailure, "evaluation failed after retries"), errs.Fields{"attempts": e.cfg.Retries + 1})
}

func (e *Evaluator) writeCandidate(code, language string) (dir, path string, err error) {
	base := e.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir = filepath.Join(base, "openevolve-candidate-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errs.Wrap(err, errs.Unknown, "create candidate dir")
	}
	ext := ".txt"
	switch language {
	case "go":
		ext = ".go"
	case "python":
		ext = ".py"
	}
	path = filepath.Join(dir, "candidate"+ext)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", "", errs.Wrap(err, errs.Unknown, "write candidate source")
	}
	return dir, path, nil
}

// runOnce picks cascade or direct evaluation for a single attempt. The
// returned stage name is non-empty whenever a cascade stage errored or
// short-circuited on threshold, so Evaluate can leave a PendingArtifact
// behind even on the success path (a short-circuit isn't an error).
func (e *Evaluator) runOnce(ctx context.Context, path string) (Result, string, error) {
	if e.cfg.CascadeEvaluation && len(e.module.EvaluateStages) > 0 {
		return e.runCascade(ctx, path)
	}
	result, err := e.runDirect(ctx, path)
	return result, "", err
}

func (e *Evaluator) runDirect(ctx context.Context, path string) (Result, error) {
	if e.cfg.EnableArtifacts && e.module.Artifacts != nil {
		metrics, artifacts, err := e.withTimeoutArtifacts(ctx, e.module.Artifacts, path)
		if err != nil {
			return Result{}, err
		}
		return Result{Metrics: metrics, Artifacts: artifacts}, nil
	}
	metrics, err := e.withTimeout(ctx, e.module.Evaluate, path)
	if err != nil {
		return Result{}, err
	}
	return Result{Metrics: metrics}, nil
}

// runCascade runs each configured stage in order, merging metrics as it
// goes and stopping early whenever a stage's combined_score (or mean
// metric, absent that key) falls below its configured threshold. The
// returned stage name identifies where a stage errored or short-circuited,
// for the caller to record as a PendingArtifact; it's "" when every stage
// ran to completion.
func (e *Evaluator) runCascade(ctx context.Context, path string) (Result, string, error) {
	merged := map[string]float64{}
	for i, stage := range e.module.EvaluateStages {
		stageName := fmt.Sprintf("stage%d", i+1)
		metrics, err := e.withTimeout(ctx, stage, path)
		if err != nil {
			return Result{}, stageName, err
		}
		for k, v := range metrics {
			merged[k] = v
		}

		if i >= len(e.cfg.CascadeThresholds) {
			continue
		}
		threshold := e.cfg.CascadeThresholds[i]
		score, ok := metrics["combined_score"]
		if !ok {
			score = meanOf(metrics)
		}
		if score < threshold {
			return Result{Metrics: merged}, stageName, nil
		}
	}
	return Result{Metrics: merged}, "", nil
}

func meanOf(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}

func (e *Evaluator) withTimeout(ctx context.Context, fn EvaluateFunc, path string) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type result struct {
		metrics map[string]float64
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("evaluator panicked: %v", r)}
			}
		}()
		metrics, err := fn(path)
		done <- result{metrics: metrics, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errs.Wrap(r.err, errs.EvaluationFailure, "evaluator returned an error")
		}
		return r.metrics, nil
	case <-ctx.Done():
		return nil, errs.New(errs.EvaluationTimeout, "evaluation exceeded configured timeout")
	}
}

func (e *Evaluator) withTimeoutArtifacts(ctx context.Context, fn ArtifactFunc, path string) (map[string]float64, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type result struct {
		metrics   map[string]float64
		artifacts map[string]string
		err       error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("evaluator panicked: %v", r)}
			}
		}()
		metrics, artifacts, err := fn(path)
		done <- result{metrics: metrics, artifacts: artifacts, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, nil, errs.Wrap(r.err, errs.EvaluationFailure, "evaluator returned an error")
		}
		return r.metrics, r.artifacts, nil
	case <-ctx.Done():
		return nil, nil, errs.New(errs.EvaluationTimeout, "evaluation exceeded configured timeout")
	}
}

// applyLLMFeedback asks cfg.FeedbackEnsemble to critique code and merges its
// response into result, scaled by cfg.LLMFeedbackWeight. A disabled feature,
// a missing ensemble, or a failure to get/parse a response all leave result
// untouched: feedback is auxiliary signal, not a reason to fail evaluation.
func (e *Evaluator) applyLLMFeedback(ctx context.Context, code string, result Result) Result {
	if !e.cfg.UseLLMFeedback || e.cfg.FeedbackEnsemble == nil {
		return result
	}
	feedback, err := e.requestLLMFeedback(ctx, code)
	if err != nil {
		logging.GetLogger().Warn(ctx, "llm feedback skipped: %v", err)
		return result
	}
	return MergeLLMFeedback(result, feedback)
}

// requestLLMFeedback sends code to the feedback ensemble and parses its
// response as a JSON object of metric name to numeric score, scaling every
// value by cfg.LLMFeedbackWeight.
func (e *Evaluator) requestLLMFeedback(ctx context.Context, code string) (map[string]float64, error) {
	system := e.cfg.FeedbackSystem
	if system == "" {
		system = defaultFeedbackSystem
	}
	text, err := e.cfg.FeedbackEnsemble.Generate(ctx, system, []llm.Message{{Role: "user", Content: code}}, llm.GenerateOptions{MaxTokens: 512})
	if err != nil {
		return nil, errs.Wrap(err, errs.EvaluationFailure, "llm feedback request failed")
	}

	raw := evalutil.ExtractCode(text, "json")
	var feedback map[string]float64
	if err := json.Unmarshal([]byte(raw), &feedback); err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "parse llm feedback response")
	}

	scaled := make(map[string]float64, len(feedback))
	for k, v := range feedback {
		scaled[k] = v * e.cfg.LLMFeedbackWeight
	}
	return scaled, nil
}

// MergeLLMFeedback adds each entry of feedback into result, prefixed with
// "llm_" so it's distinguishable from the module's own metrics.
func MergeLLMFeedback(result Result, feedback map[string]float64) Result {
	if len(feedback) == 0 {
		return result
	}
	merged := make(map[string]float64, len(result.Metrics)+len(feedback))
	for k, v := range result.Metrics {
		merged[k] = v
	}
	for k, v := range feedback {
		merged["llm_"+k] = v
	}
	result.Metrics = merged
	return result
}

// ArtifactsEnabledFromEnv reports whether the ENABLE_ARTIFACTS environment
// variable is set to a truthy value.
func ArtifactsEnabledFromEnv() bool {
	v := os.Getenv("ENABLE_ARTIFACTS")
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}
