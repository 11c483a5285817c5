package pacevolve

import (
	"math"
	"math/rand"

	"github.com/google/uuid"
)

// BacktrackRecord is a snapshot eligible for later backtrack selection.
type BacktrackRecord struct {
	Iteration int
	ProgramID string
	Code      string
}

// MBBConfig configures one island's momentum tracking.
type MBBConfig struct {
	MomentumWindowSize  int
	StagnationThreshold float64
	BacktrackDepth      int
	MomentumBeta        float64
	BacktrackPower      float64
}

// islandMomentum is the per-island state MBB tracks.
type islandMomentum struct {
	window                []float64
	momentum              float64
	history               []BacktrackRecord
	iterationsSinceImprove int
	bestScore             float64
	initialScore          float64
	seenFirst             bool
}

// MBB is the momentum-based backtracking state machine, keyed per island.
type MBB struct {
	cfg     MBBConfig
	islands map[int]*islandMomentum
	rng     *rand.Rand
}

// NewMBB constructs an empty MBB.
func NewMBB(cfg MBBConfig, rng *rand.Rand) *MBB {
	if cfg.MomentumWindowSize <= 0 {
		cfg.MomentumWindowSize = 10
	}
	if cfg.BacktrackDepth <= 0 {
		cfg.BacktrackDepth = 5
	}
	if cfg.MomentumBeta <= 0 {
		cfg.MomentumBeta = 0.9
	}
	if cfg.BacktrackPower <= 0 {
		cfg.BacktrackPower = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &MBB{cfg: cfg, islands: map[int]*islandMomentum{}, rng: rng}
}

func (m *MBB) island(islandID int) *islandMomentum {
	s, ok := m.islands[islandID]
	if !ok {
		s = &islandMomentum{}
		m.islands[islandID] = s
	}
	return s
}

// Update folds one iteration's score into islandId's momentum state,
// pushing a backtrack candidate whenever the score strictly improves.
func (m *MBB) Update(score float64, iteration int, islandID int, programID, code string, targetScore *float64) {
	s := m.island(islandID)
	if !s.seenFirst {
		s.bestScore = score
		s.initialScore = score
		s.seenFirst = true
	}
	prev := s.bestScore

	var gap float64
	if targetScore != nil {
		gap = math.Max(math.Abs(*targetScore-prev), 1e-6)
	} else {
		gap = math.Max(math.Abs(prev), 1e-6)
	}

	var relativeImprovement float64
	if score > prev {
		relativeImprovement = (score - prev) / gap
		s.bestScore = score
		s.iterationsSinceImprove = 0
		s.history = append(s.history, BacktrackRecord{Iteration: iteration, ProgramID: programID, Code: code})
		if len(s.history) > m.cfg.BacktrackDepth {
			s.history = s.history[len(s.history)-m.cfg.BacktrackDepth:]
		}
	} else {
		s.iterationsSinceImprove++
	}

	s.window = append(s.window, relativeImprovement)
	if len(s.window) > m.cfg.MomentumWindowSize {
		s.window = s.window[len(s.window)-m.cfg.MomentumWindowSize:]
	}

	s.momentum = m.cfg.MomentumBeta*s.momentum + (1-m.cfg.MomentumBeta)*relativeImprovement
}

// Momentum returns islandId's current EWMA momentum.
func (m *MBB) Momentum(islandID int) float64 {
	return m.island(islandID).momentum
}

// ShouldBacktrack reports whether islandId's state calls for a backtrack:
// non-empty history and either stalled momentum for a sustained stretch,
// or raw stagnation past 50 iterations.
func (m *MBB) ShouldBacktrack(islandID int) bool {
	s := m.island(islandID)
	if len(s.history) == 0 {
		return false
	}
	stalled := math.Abs(s.momentum) < m.cfg.StagnationThreshold && s.iterationsSinceImprove > 2*m.cfg.MomentumWindowSize
	return stalled || s.iterationsSinceImprove > 50
}

// BacktrackTarget samples a record from islandId's history by power-law
// weights over recency (rank 0 = most recent), then resets the window,
// momentum, and stagnation counter. History itself is retained.
func (m *MBB) BacktrackTarget(islandID int) (BacktrackRecord, bool) {
	s := m.island(islandID)
	if len(s.history) == 0 {
		return BacktrackRecord{}, false
	}

	n := len(s.history)
	weights := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		rank := n - 1 - i // most recent = rank 0
		w := 1.0 / math.Pow(float64(rank+1), m.cfg.BacktrackPower)
		weights[i] = w
		total += w
	}

	target := m.rng.Float64() * total
	cum := 0.0
	chosen := s.history[n-1]
	for i, w := range weights {
		cum += w
		if target <= cum {
			chosen = s.history[i]
			break
		}
	}

	s.window = nil
	s.momentum = 0
	s.iterationsSinceImprove = 0

	return chosen, true
}

// NewBacktrackProgramID generates a fresh identifier for a backtracked
// clone, distinct from the original program's id.
func NewBacktrackProgramID() string {
	return uuid.NewString()
}

// HistoryLen reports islandId's backtrack history length, for invariant
// checks (must never exceed backtrackDepth).
func (m *MBB) HistoryLen(islandID int) int {
	return len(m.island(islandID).history)
}

// Stagnating reports whether islandId has gone at least a full momentum
// window without an improvement — a softer, earlier signal than
// ShouldBacktrack, used by the controller to gate CE's crossover check.
func (m *MBB) Stagnating(islandID int) bool {
	s := m.island(islandID)
	return s.iterationsSinceImprove >= m.cfg.MomentumWindowSize
}
