// Package pacevolve implements the three independent PACEvolve state
// machines consulted by the controller each iteration: Hierarchical
// Context Management (idea memory), Momentum-Based Backtracking, and
// Self-Adaptive Collaborative Evolution. Each is free of cross-references
// to the others and exposes a pure-function-like API.
package pacevolve

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"openevolve/pkg/evalutil"
)

// Hypothesis is one concrete example backing an IdeaCluster.
type Hypothesis struct {
	ProgramID string // id of the program this hypothesis was ingested from
	Summary   string
	Score     float64
	Iteration int
	Stale     bool
}

// IdeaCluster groups hypotheses whose summaries are mutually similar.
type IdeaCluster struct {
	ID              string
	Title           string
	Hypotheses      []Hypothesis
	PrunedSummaries []string
	Score           float64
	LastIteration   int
	Timestamp       time.Time
	Stale           bool // set by PruneStaleIdeas, cleared when a fresh hypothesis lands
}

// HCMConfig configures idea-memory capacity and pruning behavior.
type HCMConfig struct {
	PruningThreshold          float64
	PruningInterval           int
	MaxIdeas                  int
	MaxHypothesesPerIdea      int
	IdeaDistinctnessThreshold float64
	IdeaSummaryMaxChars       int
	HypothesisSummaryMaxChars int
}

// HCM is the idea-memory state machine: a bounded set of idea clusters plus
// two id sets marking which clusters are active for generation/selection.
type HCM struct {
	mu sync.Mutex

	cfg HCMConfig

	clusters      map[string]*IdeaCluster
	generationIDs map[string]bool
	selectionIDs  map[string]bool
	historical    []*IdeaCluster
}

// NewHCM constructs an empty HCM.
func NewHCM(cfg HCMConfig) *HCM {
	if cfg.MaxIdeas <= 0 {
		cfg.MaxIdeas = 20
	}
	if cfg.MaxHypothesesPerIdea <= 0 {
		cfg.MaxHypothesesPerIdea = 5
	}
	if cfg.HypothesisSummaryMaxChars <= 0 {
		cfg.HypothesisSummaryMaxChars = 500
	}
	if cfg.IdeaSummaryMaxChars <= 0 {
		cfg.IdeaSummaryMaxChars = 80
	}
	return &HCM{
		cfg:           cfg,
		clusters:      map[string]*IdeaCluster{},
		generationIDs: map[string]bool{},
		selectionIDs:  map[string]bool{},
	}
}

func normalizeWhitespace(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func firstSentence(s string, max int) string {
	idx := strings.IndexAny(s, ".!?")
	if idx >= 0 {
		s = s[:idx+1]
	}
	return truncate(s, max)
}

func similarity(a, b string) float64 {
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	dist := evalutil.EditDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// AddIdea ingests one program's code as a new hypothesis, attaching it to
// the most similar existing cluster (above the distinctness threshold) or
// creating a new one. programID is the originating program's id, carried on
// the resulting Hypothesis for traceability back to the population.
func (h *HCM) AddIdea(programID, code string, score float64, iteration int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	summary := truncate(normalizeWhitespace(code), h.cfg.HypothesisSummaryMaxChars)
	hyp := Hypothesis{ProgramID: programID, Summary: summary, Score: score, Iteration: iteration}

	cluster := h.findMostSimilar(summary)
	if cluster == nil {
		cluster = &IdeaCluster{
			ID:    uuid.NewString(),
			Title: firstSentence(summary, h.cfg.IdeaSummaryMaxChars),
		}
		h.clusters[cluster.ID] = cluster
	}

	cluster.Hypotheses = append(cluster.Hypotheses, hyp)
	if score > cluster.Score {
		cluster.Score = score
	}
	cluster.LastIteration = iteration
	cluster.Timestamp = time.Now()
	cluster.Stale = false

	h.markNonStale(cluster)

	h.generationIDs[cluster.ID] = true
	if hyp.Score >= h.cfg.PruningThreshold {
		h.selectionIDs[cluster.ID] = true
	}

	h.enforceHypothesisCap(cluster)
	h.enforceClusterCap()
}

func (h *HCM) markNonStale(cluster *IdeaCluster) {
	for i := range cluster.Hypotheses {
		if cluster.Hypotheses[i].Iteration == cluster.LastIteration {
			cluster.Hypotheses[i].Stale = false
		}
	}
}

func (h *HCM) findMostSimilar(summary string) *IdeaCluster {
	var best *IdeaCluster
	bestScore := h.cfg.IdeaDistinctnessThreshold
	for _, cluster := range h.clusters {
		for _, hyp := range cluster.Hypotheses {
			sim := similarity(summary, hyp.Summary)
			if sim > bestScore {
				bestScore = sim
				best = cluster
			}
		}
	}
	return best
}

func (h *HCM) enforceHypothesisCap(cluster *IdeaCluster) {
	if len(cluster.Hypotheses) <= h.cfg.MaxHypothesesPerIdea {
		return
	}
	sortHypothesesByScoreDesc(cluster.Hypotheses)
	keep := cluster.Hypotheses[:h.cfg.MaxHypothesesPerIdea]
	discarded := cluster.Hypotheses[h.cfg.MaxHypothesesPerIdea:]
	for _, d := range discarded {
		cluster.PrunedSummaries = append(cluster.PrunedSummaries, d.Summary)
	}
	cluster.Hypotheses = keep
}

func sortHypothesesByScoreDesc(hyps []Hypothesis) {
	for i := 1; i < len(hyps); i++ {
		for j := i; j > 0 && hyps[j].Score > hyps[j-1].Score; j-- {
			hyps[j], hyps[j-1] = hyps[j-1], hyps[j]
		}
	}
}

func (h *HCM) enforceClusterCap() {
	for len(h.clusters) > h.cfg.MaxIdeas {
		var worstID string
		var worst *IdeaCluster
		for id, cluster := range h.clusters {
			if worst == nil || cluster.Score < worst.Score ||
				(cluster.Score == worst.Score && cluster.Timestamp.Before(worst.Timestamp)) {
				worst = cluster
				worstID = id
			}
		}
		if worstID == "" {
			return
		}
		h.removeCluster(worstID)
	}
}

func (h *HCM) removeCluster(id string) {
	delete(h.clusters, id)
	delete(h.generationIDs, id)
	delete(h.selectionIDs, id)
}

// PruneStaleIdeas marks hypotheses whose age exceeds pruningInterval as
// stale, then moves any cluster with no fresh hypothesis (or that is
// itself older than pruningInterval) into the bounded historical buffer.
func (h *HCM) PruneStaleIdeas(iteration int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cluster := range h.clusters {
		fresh := false
		for i := range cluster.Hypotheses {
			if iteration-cluster.Hypotheses[i].Iteration > h.cfg.PruningInterval {
				cluster.Hypotheses[i].Stale = true
			} else {
				fresh = true
			}
		}
		if !fresh || iteration-cluster.LastIteration > h.cfg.PruningInterval {
			cluster.Stale = true
			h.historical = append(h.historical, cluster)
			h.removeCluster(cluster.ID)
		}
	}

	cap := 2 * h.cfg.MaxIdeas
	if len(h.historical) > cap {
		h.historical = h.historical[len(h.historical)-cap:]
	}
}

// GenerationContext returns the active, non-stale clusters referenced by
// generationIds.
func (h *HCM) GenerationContext() []*IdeaCluster {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeClusters(h.generationIDs)
}

// SelectionContext returns the active, non-stale clusters referenced by
// selectionIds.
func (h *HCM) SelectionContext() []*IdeaCluster {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeClusters(h.selectionIDs)
}

func (h *HCM) activeClusters(ids map[string]bool) []*IdeaCluster {
	out := make([]*IdeaCluster, 0, len(ids))
	for id := range ids {
		cluster, ok := h.clusters[id]
		if !ok {
			continue
		}
		if !anyFresh(cluster) {
			continue
		}
		out = append(out, cluster)
	}
	return out
}

func anyFresh(cluster *IdeaCluster) bool {
	for _, hyp := range cluster.Hypotheses {
		if !hyp.Stale {
			return true
		}
	}
	return false
}

// ResetForBacktrack clears the selection id set, as required when the
// controller backtracks to an earlier program.
func (h *HCM) ResetForBacktrack() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selectionIDs = map[string]bool{}
}

// Len reports the number of active clusters, for invariant checks.
func (h *HCM) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clusters)
}
