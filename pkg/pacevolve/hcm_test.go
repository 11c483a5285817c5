package pacevolve

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testHCMConfig() HCMConfig {
	return HCMConfig{
		PruningThreshold:          0.8,
		PruningInterval:           5,
		MaxIdeas:                  3,
		MaxHypothesesPerIdea:      2,
		IdeaDistinctnessThreshold: 0.6,
		IdeaSummaryMaxChars:       80,
		HypothesisSummaryMaxChars: 200,
	}
}

func TestAddIdeaCreatesDistinctClusters(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "func a() { return 1 }", 0.5, 1)
	h.AddIdea("p2", "completely different shape of code entirely unrelated text here", 0.5, 1)
	assert.Equal(t, 2, h.Len())
}

func TestAddIdeaMergesSimilarIntoSameCluster(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "func a() { return 1 }", 0.5, 1)
	h.AddIdea("p2", "func a() { return 2 }", 0.6, 2)
	assert.Equal(t, 1, h.Len())
}

func TestHypothesisCapEnforced(t *testing.T) {
	h := NewHCM(testHCMConfig())
	base := "func a() { return 1 }"
	h.AddIdea("p1", base, 0.1, 1)
	h.AddIdea("p2", base, 0.2, 2)
	h.AddIdea("p3", base, 0.3, 3)

	for _, cluster := range h.clusters {
		assert.LessOrEqual(t, len(cluster.Hypotheses), testHCMConfig().MaxHypothesesPerIdea)
	}
}

func TestClusterCapEnforced(t *testing.T) {
	h := NewHCM(testHCMConfig())
	codes := []string{
		"alpha completely unique text one two three four",
		"bravo distinct sentence five six seven eight",
		"charlie another unrelated block nine ten eleven",
		"delta yet another separate chunk twelve thirteen",
	}
	for i, c := range codes {
		h.AddIdea(fmt.Sprintf("p%d", i), c, 0.5, i)
	}
	assert.LessOrEqual(t, h.Len(), testHCMConfig().MaxIdeas)
}

func TestSelectionIDsPopulatedAboveThreshold(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "alpha high scoring idea text here", 0.9, 1)
	sel := h.SelectionContext()
	assert.Len(t, sel, 1)
}

func TestResetForBacktrackClearsSelection(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "alpha high scoring idea text here", 0.9, 1)
	assert.NotEmpty(t, h.SelectionContext())
	h.ResetForBacktrack()
	assert.Empty(t, h.SelectionContext())
}

func TestPruneStaleIdeasMovesToHistorical(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "alpha idea about something specific", 0.5, 1)
	require := h.Len()
	assert.Equal(t, 1, require)

	h.PruneStaleIdeas(100)
	assert.Equal(t, 0, h.Len())
	assert.Len(t, h.historical, 1)
	assert.True(t, h.historical[0].Stale)
}

func TestAddIdeaClearsStaleFlag(t *testing.T) {
	h := NewHCM(testHCMConfig())
	h.AddIdea("p1", "alpha idea about something specific", 0.5, 1)
	var cluster *IdeaCluster
	for _, c := range h.clusters {
		cluster = c
	}
	cluster.Stale = true

	h.AddIdea("p2", "alpha idea about something specific", 0.5, 2)
	assert.False(t, cluster.Stale)
}
