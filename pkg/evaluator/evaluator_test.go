package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/llm"
)

type fakeFeedbackClient struct{ response string }

func (c fakeFeedbackClient) Generate(ctx context.Context, systemMessage string, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return c.response, nil
}

func (c fakeFeedbackClient) Name() string { return "fake-feedback-model" }

func fixedModule(metrics map[string]float64, err error) *Module {
	return &Module{
		Evaluate: func(programPath string) (map[string]float64, error) {
			return metrics, err
		},
	}
}

func TestEvaluateDirectSuccess(t *testing.T) {
	module := fixedModule(map[string]float64{"combined_score": 0.8}, nil)
	e := New(module, Config{Timeout: time.Second, Retries: 0, RetryDelay: time.Millisecond})

	result, err := e.Evaluate(context.Background(), "p1", "package main", "go")
	require.NoError(t, err)
	assert.Equal(t, 0.8, result.Metrics["combined_score"])
}

func TestEvaluateRetriesThenSucceeds(t *testing.T) {
	calls := 0
	module := &Module{Evaluate: func(programPath string) (map[string]float64, error) {
		calls++
		if calls < 3 {
			return nil, assertErr()
		}
		return map[string]float64{"combined_score": 1}, nil
	}}
	e := New(module, Config{Timeout: time.Second, Retries: 5, RetryDelay: time.Millisecond})

	result, err := e.Evaluate(context.Background(), "p1", "x", "python")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1.0, result.Metrics["combined_score"])
}

func assertErr() error { return errs.New(errs.EvaluationFailure, "boom") }

func TestEvaluateExhaustsRetries(t *testing.T) {
	module := fixedModule(nil, assertErr())
	e := New(module, Config{Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond})

	_, err := e.Evaluate(context.Background(), "p1", "x", "python")
	require.Error(t, err)
}

func TestEvaluateTimesOut(t *testing.T) {
	module := &Module{Evaluate: func(programPath string) (map[string]float64, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]float64{"combined_score": 1}, nil
	}}
	e := New(module, Config{Timeout: 10 * time.Millisecond, Retries: 0, RetryDelay: time.Millisecond})

	_, err := e.Evaluate(context.Background(), "p1", "x", "python")
	require.Error(t, err)
}

func TestCascadeShortCircuits(t *testing.T) {
	stage2Called := false
	module := &Module{
		EvaluateStages: []EvaluateFunc{
			func(programPath string) (map[string]float64, error) {
				return map[string]float64{"combined_score": 0.1}, nil
			},
			func(programPath string) (map[string]float64, error) {
				stage2Called = true
				return map[string]float64{"combined_score": 0.9}, nil
			},
		},
	}
	e := New(module, Config{Timeout: time.Second, CascadeEvaluation: true, CascadeThresholds: []float64{0.5}})

	result, err := e.Evaluate(context.Background(), "p1", "x", "python")
	require.NoError(t, err)
	assert.False(t, stage2Called)
	assert.Equal(t, 0.1, result.Metrics["combined_score"])

	art, ok := e.DrainPendingArtifact("p1")
	require.True(t, ok)
	assert.Equal(t, "stage1", art.FailureStage)
}

func TestCascadeContinuesAboveThreshold(t *testing.T) {
	module := &Module{
		EvaluateStages: []EvaluateFunc{
			func(programPath string) (map[string]float64, error) {
				return map[string]float64{"combined_score": 0.9}, nil
			},
			func(programPath string) (map[string]float64, error) {
				return map[string]float64{"combined_score": 0.95}, nil
			},
		},
	}
	e := New(module, Config{Timeout: time.Second, CascadeEvaluation: true, CascadeThresholds: []float64{0.5}})

	result, err := e.Evaluate(context.Background(), "p1", "x", "python")
	require.NoError(t, err)
	assert.Equal(t, 0.95, result.Metrics["combined_score"])
}

func TestEvaluateAppliesLLMFeedback(t *testing.T) {
	module := fixedModule(map[string]float64{"combined_score": 0.5}, nil)
	ensemble, err := llm.NewEnsemble([]llm.Client{fakeFeedbackClient{response: "```json\n{\"readability\": 0.8}\n```"}}, nil, llm.EnsembleConfig{})
	require.NoError(t, err)

	e := New(module, Config{
		Timeout:           time.Second,
		UseLLMFeedback:    true,
		LLMFeedbackWeight: 0.5,
		FeedbackEnsemble:  ensemble,
	})

	result, err := e.Evaluate(context.Background(), "p1", "package main", "go")
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Metrics["combined_score"])
	assert.Equal(t, 0.4, result.Metrics["llm_readability"])
}

func TestMergeLLMFeedbackPrefixesKeys(t *testing.T) {
	result := Result{Metrics: map[string]float64{"combined_score": 0.5}}
	merged := MergeLLMFeedback(result, map[string]float64{"readability": 0.7})
	assert.Equal(t, 0.5, merged.Metrics["combined_score"])
	assert.Equal(t, 0.7, merged.Metrics["llm_readability"])
}
