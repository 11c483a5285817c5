package pacevolve

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMBBConfig() MBBConfig {
	return MBBConfig{
		MomentumWindowSize:  3,
		StagnationThreshold: 0.05,
		BacktrackDepth:      3,
		MomentumBeta:        0.5,
		BacktrackPower:      1,
	}
}

func TestUpdatePushesHistoryOnImprovement(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(1)))
	m.Update(0.5, 0, 0, "seed", "code0", nil)
	m.Update(0.8, 1, 0, "p1", "code1", nil)
	assert.Equal(t, 1, m.HistoryLen(0))
}

func TestHistoryDepthCapped(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(2)))
	score := 0.1
	for i := 0; i < 10; i++ {
		score += 0.1
		m.Update(score, i, 0, "p", "code", nil)
	}
	assert.LessOrEqual(t, m.HistoryLen(0), testMBBConfig().BacktrackDepth)
}

func TestShouldBacktrackAfterStagnation(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(3)))
	// The first update only records the initial score; one improvement gives
	// the island a backtrack target before the long flat stretch.
	m.Update(0.5, 0, 0, "seed", "code0", nil)
	m.Update(0.6, 1, 0, "p1", "code1", nil)
	for i := 2; i <= 61; i++ {
		m.Update(0.6, i, 0, "p", "code", nil)
	}
	assert.True(t, m.ShouldBacktrack(0))
}

func TestShouldNotBacktrackWithoutHistory(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(4)))
	assert.False(t, m.ShouldBacktrack(0))
}

func TestBacktrackTargetResetsMomentum(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(5)))
	m.Update(0.5, 0, 0, "seed", "code0", nil)
	m.Update(0.8, 1, 0, "p1", "code1", nil)

	record, ok := m.BacktrackTarget(0)
	require.True(t, ok)
	assert.NotEmpty(t, record.ProgramID)
	assert.Equal(t, 0.0, m.Momentum(0))
}

func TestBacktrackTargetEmptyHistory(t *testing.T) {
	m := NewMBB(testMBBConfig(), rand.New(rand.NewSource(6)))
	_, ok := m.BacktrackTarget(0)
	assert.False(t, ok)
}
