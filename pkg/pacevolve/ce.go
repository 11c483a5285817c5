package pacevolve

import "math/rand"

// Action is one of the three moves the CE policy can choose.
type Action string

const (
	ActionExplore   Action = "explore"
	ActionExploit   Action = "exploit"
	ActionBacktrack Action = "backtrack"
)

const floorProbability = 0.05

// CEConfig seeds the policy and controls crossover gating.
type CEConfig struct {
	Enabled             bool
	InitialExploreProb  float64
	InitialExploitProb  float64
	InitialBacktrackProb float64
	AdaptationRate      float64
	CrossoverFrequency  int
}

// Policy is the explore/exploit/backtrack probability triple CE maintains
// and samples from.
type Policy struct {
	Explore, Exploit, Backtrack float64
}

func (p *Policy) normalize() {
	if p.Explore < floorProbability {
		p.Explore = floorProbability
	}
	if p.Exploit < floorProbability {
		p.Exploit = floorProbability
	}
	if p.Backtrack < floorProbability {
		p.Backtrack = floorProbability
	}
	sum := p.Explore + p.Exploit + p.Backtrack
	p.Explore /= sum
	p.Exploit /= sum
	p.Backtrack /= sum
}

// islandProgress tracks one island's absolute-progress bookkeeping.
type islandProgress struct {
	initialScore float64
	bestScore    float64
	seen         bool
}

// CE is the self-adaptive collaborative-evolution state machine: a shared
// action policy plus per-island absolute-progress tracking and crossover
// gating.
type CE struct {
	cfg                 CEConfig
	policy               Policy
	islands              map[int]*islandProgress
	lastCrossoverIteration int
	rng                  *rand.Rand
}

// NewCE constructs a CE seeded from cfg's initial probabilities.
func NewCE(cfg CEConfig, rng *rand.Rand) *CE {
	if cfg.AdaptationRate <= 0 {
		cfg.AdaptationRate = 0.05
	}
	if cfg.CrossoverFrequency <= 0 {
		cfg.CrossoverFrequency = 10
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	p := Policy{Explore: cfg.InitialExploreProb, Exploit: cfg.InitialExploitProb, Backtrack: cfg.InitialBacktrackProb}
	p.normalize()
	return &CE{cfg: cfg, policy: p, islands: map[int]*islandProgress{}, rng: rng}
}

// Sample draws an Action by thresholding a uniform random against the
// policy's cumulative sums.
func (c *CE) Sample() Action {
	u := c.rng.Float64()
	if u < c.policy.Explore {
		return ActionExplore
	}
	if u < c.policy.Explore+c.policy.Exploit {
		return ActionExploit
	}
	return ActionBacktrack
}

// Policy returns a copy of the current action policy.
func (c *CE) Policy() Policy {
	return c.policy
}

// Update folds one iteration's momentum (and optional absolute-progress
// figures) into the shared policy, per spec's three-branch adaptation
// rule, then floors and renormalizes.
func (c *CE) Update(momentum float64, absoluteProgress *float64, peerBest *float64) {
	r := c.cfg.AdaptationRate
	p := &c.policy

	switch {
	case momentum > 0.01:
		p.Exploit += r
		p.Explore -= r / 2
		p.Backtrack -= r / 2
	case momentum < -0.01:
		p.Backtrack += r
		p.Explore -= 0.3 * r
		p.Exploit -= 0.7 * r
	case absValue(momentum) < 0.001:
		lagging := false
		if absoluteProgress != nil && peerBest != nil {
			lagging = *peerBest-*absoluteProgress > 0.05
		}
		exploreMul := 1.0
		backtrackMul := 0.3
		if lagging {
			exploreMul = 0.6
			backtrackMul = 0.7
		}
		p.Explore += r * exploreMul
		p.Exploit -= 0.7 * r
		p.Backtrack += r * backtrackMul
	}

	p.normalize()
}

func absValue(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func islandGap(initial float64, target *float64) float64 {
	if target != nil {
		d := *target - initial
		return maxFloat(absValue(d), 1e-6)
	}
	return maxFloat(absValue(initial), 1e-6)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// UpdateIslandProgress records islandId's absolute progress given its
// current best score.
func (c *CE) UpdateIslandProgress(islandID int, bestScore float64, targetScore *float64) float64 {
	s, ok := c.islands[islandID]
	if !ok {
		s = &islandProgress{initialScore: bestScore}
		c.islands[islandID] = s
	}
	if !s.seen {
		s.initialScore = bestScore
		s.seen = true
	}
	if bestScore > s.bestScore || !s.seen {
		s.bestScore = bestScore
	}
	gap := islandGap(s.initialScore, targetScore)
	return (s.bestScore - s.initialScore) / gap
}

// AbsoluteProgress returns islandId's last computed absolute progress.
func (c *CE) AbsoluteProgress(islandID int, targetScore *float64) float64 {
	s, ok := c.islands[islandID]
	if !ok {
		return 0
	}
	gap := islandGap(s.initialScore, targetScore)
	return (s.bestScore - s.initialScore) / gap
}

// MaxAbsoluteProgress returns the maximum absolute progress over all
// tracked islands.
func (c *CE) MaxAbsoluteProgress(targetScore *float64) float64 {
	max := 0.0
	first := true
	for id := range c.islands {
		p := c.AbsoluteProgress(id, targetScore)
		if first || p > max {
			max = p
			first = false
		}
	}
	return max
}

// ShouldPerformCrossover reports whether a crossover should fire for
// islandId given its stagnation flag and the peers' best absolute
// progress.
func (c *CE) ShouldPerformCrossover(iteration, islandID int, stagnating bool, peerBest float64, targetScore *float64) bool {
	if !c.cfg.Enabled {
		return false
	}
	if iteration-c.lastCrossoverIteration < c.cfg.CrossoverFrequency {
		return false
	}
	if !stagnating {
		return false
	}
	return peerBest-c.AbsoluteProgress(islandID, targetScore) > 0.05
}

// RecordCrossover marks iteration as the most recent crossover point.
func (c *CE) RecordCrossover(iteration int) {
	c.lastCrossoverIteration = iteration
}

// SelectCrossoverPartner picks a second island to cross with first,
// weighting candidates by absolute progress plus a 0.01 floor.
func (c *CE) SelectCrossoverPartner(first int, candidates []int, targetScore *float64) int {
	if len(candidates) == 0 {
		return first
	}
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, id := range candidates {
		w := c.AbsoluteProgress(id, targetScore) + 0.01
		if w < 0 {
			w = 0.01
		}
		weights[i] = w
		total += w
	}
	target := c.rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if target <= cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
