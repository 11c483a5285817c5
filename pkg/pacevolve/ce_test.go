package pacevolve

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyNormalizeSumsToOneAndFloors(t *testing.T) {
	p := Policy{Explore: 0.9, Exploit: 0.05, Backtrack: 0.05}
	p.normalize()
	assert.InDelta(t, 1.0, p.Explore+p.Exploit+p.Backtrack, 1e-9)
	assert.GreaterOrEqual(t, p.Explore, floorProbability-1e-9)
	assert.GreaterOrEqual(t, p.Exploit, floorProbability-1e-9)
	assert.GreaterOrEqual(t, p.Backtrack, floorProbability-1e-9)
}

func TestCEUpdateKeepsPolicyValid(t *testing.T) {
	ce := NewCE(CEConfig{InitialExploreProb: 0.4, InitialExploitProb: 0.3, InitialBacktrackProb: 0.3, AdaptationRate: 0.2}, rand.New(rand.NewSource(1)))

	momenta := []float64{0.5, -0.5, 0.0005, -0.0005, 0.02, -0.02}
	for _, m := range momenta {
		ce.Update(m, nil, nil)
		p := ce.Policy()
		sum := p.Explore + p.Exploit + p.Backtrack
		assert.InDelta(t, 1.0, sum, 1e-9)
		assert.GreaterOrEqual(t, p.Explore, floorProbability-1e-9)
		assert.GreaterOrEqual(t, p.Exploit, floorProbability-1e-9)
		assert.GreaterOrEqual(t, p.Backtrack, floorProbability-1e-9)
	}
}

func TestCEUpdatePositiveMomentumFavorsExploit(t *testing.T) {
	ce := NewCE(CEConfig{InitialExploreProb: 0.34, InitialExploitProb: 0.33, InitialBacktrackProb: 0.33, AdaptationRate: 0.1}, rand.New(rand.NewSource(2)))
	before := ce.Policy()
	ce.Update(0.5, nil, nil)
	after := ce.Policy()
	assert.Greater(t, after.Exploit, before.Exploit)
}

func TestAbsoluteProgressTracksIslandBest(t *testing.T) {
	ce := NewCE(CEConfig{InitialExploreProb: 0.34, InitialExploitProb: 0.33, InitialBacktrackProb: 0.33}, rand.New(rand.NewSource(3)))
	ce.UpdateIslandProgress(0, 0.2, nil)
	progress := ce.UpdateIslandProgress(0, 0.6, nil)
	assert.InDelta(t, (0.6-0.2)/0.2, progress, 1e-9)
}

func TestShouldPerformCrossoverRequiresAllConditions(t *testing.T) {
	ce := NewCE(CEConfig{Enabled: true, CrossoverFrequency: 5}, rand.New(rand.NewSource(4)))
	ce.UpdateIslandProgress(0, 0.2, nil)
	ce.UpdateIslandProgress(1, 0.9, nil)

	assert.False(t, ce.ShouldPerformCrossover(4, 0, true, 1.0, nil))
	assert.True(t, ce.ShouldPerformCrossover(5, 0, true, 1.0, nil))
	assert.False(t, ce.ShouldPerformCrossover(5, 0, false, 1.0, nil))
}

func TestSelectCrossoverPartnerWeightsByProgress(t *testing.T) {
	ce := NewCE(CEConfig{}, rand.New(rand.NewSource(5)))
	// Island 1 stays at its first-seen score (progress 0); island 2 climbs
	// from 1.0 to 5.0 (progress 4).
	ce.UpdateIslandProgress(1, 0.01, nil)
	ce.UpdateIslandProgress(2, 1.0, nil)
	ce.UpdateIslandProgress(2, 5.0, nil)

	counts := map[int]int{}
	for i := 0; i < 500; i++ {
		partner := ce.SelectCrossoverPartner(0, []int{1, 2}, nil)
		counts[partner]++
	}
	assert.Greater(t, counts[2], counts[1])
}
