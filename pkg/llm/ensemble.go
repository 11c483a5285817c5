package llm

import (
	"context"
	"math/rand"
	"time"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/logging"
)

// weightedClient pairs a Client with its configured sampling weight.
type weightedClient struct {
	client Client
	weight float64
}

// Ensemble samples one of several configured models per call, weighted by
// their configured share, and retries a failed call against a freshly
// sampled model.
type Ensemble struct {
	entries    []weightedClient
	cumulative []float64 // running sum of normalized weights, for inverse-CDF sampling
	rng        *rand.Rand

	retries    int
	retryDelay time.Duration
}

// EnsembleConfig configures the retry behavior of an Ensemble.
type EnsembleConfig struct {
	Retries    int
	RetryDelay time.Duration
	RandomSeed *int64
}

// NewEnsemble builds an Ensemble from clients and their parallel weights.
// Weights are normalized to sum to 1. Returns errs.EmptyEnsemble when
// clients is empty and errs.ZeroWeight when every weight is non-positive.
func NewEnsemble(clients []Client, weights []float64, cfg EnsembleConfig) (*Ensemble, error) {
	if len(clients) == 0 {
		return nil, errs.New(errs.EmptyEnsemble, "ensemble requires at least one model")
	}
	if len(weights) != len(clients) {
		weights = make([]float64, len(clients))
		for i := range weights {
			weights[i] = 1
		}
	}

	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return nil, errs.New(errs.ZeroWeight, "ensemble weights sum to zero")
	}

	var rng *rand.Rand
	if cfg.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*cfg.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	entries := make([]weightedClient, len(clients))
	cumulative := make([]float64, len(clients))
	running := 0.0
	for i, c := range clients {
		w := weights[i]
		if w < 0 {
			w = 0
		}
		running += w / total
		entries[i] = weightedClient{client: c, weight: w / total}
		cumulative[i] = running
	}
	cumulative[len(cumulative)-1] = 1.0 // guard against float drift

	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Ensemble{entries: entries, cumulative: cumulative, rng: rng, retries: retries, retryDelay: retryDelay}, nil
}

// sample picks one client via inverse-CDF over the normalized weights.
func (e *Ensemble) sample() Client {
	target := e.rng.Float64()
	for i, c := range e.cumulative {
		if target <= c {
			return e.entries[i].client
		}
	}
	return e.entries[len(e.entries)-1].client
}

// Weight returns the normalized sampling weight of the named model, or 0 if
// not present.
func (e *Ensemble) Weight(name string) float64 {
	for _, entry := range e.entries {
		if entry.client.Name() == name {
			return entry.weight
		}
	}
	return 0
}

// Generate samples a model and calls Generate, retrying against a freshly
// sampled model (with retryDelay between attempts) up to `retries` times.
// Returns errs.RetryExhausted wrapping the final failure if every attempt
// fails.
func (e *Ensemble) Generate(ctx context.Context, systemMessage string, messages []Message, opts GenerateOptions) (string, error) {
	logger := logging.GetLogger()
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errs.Wrap(ctx.Err(), errs.Canceled, "ensemble generate canceled")
			case <-time.After(e.retryDelay):
			}
		}
		client := e.sample()
		text, err := client.Generate(ctx, systemMessage, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		logger.Warn(ctx, "ensemble generate attempt %d/%d failed: model=%s err=%v", attempt+1, e.retries+1, client.Name(), err)
	}
	return "", errs.WithFields(errs.Wrap(lastErr, errs.RetryExhausted, "ensemble exhausted retries"), errs.Fields{"attempts": e.retries + 1})
}
