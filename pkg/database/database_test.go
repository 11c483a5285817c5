package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/program"
)

func testConfig() Config {
	seed := int64(42)
	return Config{
		PopulationSize:         20,
		ArchiveSize:            5,
		NumIslands:             3,
		FeatureDimensions:      []string{"complexity", "score"},
		DefaultBins:            4,
		DiversityReferenceSize: 5,
		MigrationRate:          0.25,
		RandomSeed:             &seed,
	}
}

func newScored(code string, score float64, parent *program.Program) *program.Program {
	p := program.New(code, "go", parent, 0)
	p.Metrics["combined_score"] = score
	return p
}

func TestAddAndBestProgram(t *testing.T) {
	db := New(testConfig())

	p1 := newScored("func a() {}", 0.2, nil)
	db.Add(p1, 0, nil)

	best, ok := db.BestProgram()
	require.True(t, ok)
	assert.Equal(t, p1.ID, best.ID)

	p2 := newScored("func b() {}", 0.9, nil)
	db.Add(p2, 1, nil)

	best, ok = db.BestProgram()
	require.True(t, ok)
	assert.Equal(t, p2.ID, best.ID)
}

func TestAddRespectsTargetIsland(t *testing.T) {
	db := New(testConfig())
	target := 2
	p := newScored("func c() {}", 0.5, nil)
	db.Add(p, 0, &target)

	assert.True(t, db.islands[2].Residents[p.ID])
	assert.False(t, db.islands[0].Residents[p.ID])
}

func TestAddInheritsParentIsland(t *testing.T) {
	db := New(testConfig())
	target := 1
	parent := newScored("func p() {}", 0.3, nil)
	db.Add(parent, 0, &target)

	child := newScored("func c() {}", 0.4, parent)
	db.Add(child, 1, nil)

	assert.True(t, db.islands[1].Residents[child.ID])
}

func TestSampleFromEmptyIslandErrors(t *testing.T) {
	db := New(testConfig())
	_, _, err := db.SampleFromIsland(0, 2, StrategyExplore)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, assertAs(err, &e))
	assert.Equal(t, errs.EmptyIsland, e.Code())
}

func assertAs(err error, target **errs.Error) bool {
	type asErr interface{ As(interface{}) bool }
	if ae, ok := err.(asErr); ok {
		return ae.As(target)
	}
	return false
}

func TestSampleFromIslandReturnsInspirationsExcludingParent(t *testing.T) {
	db := New(testConfig())
	target := 0
	for i := 0; i < 5; i++ {
		p := newScored("func f"+string(rune('a'+i))+"() {}", float64(i)/10, nil)
		db.Add(p, i, &target)
	}

	parent, inspirations, err := db.SampleFromIsland(0, 3, StrategyExplore)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.LessOrEqual(t, len(inspirations), 3)
	for _, insp := range inspirations {
		assert.NotEqual(t, parent.ID, insp.ID)
	}
}

func TestExploitStrategyPrefersArchive(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveSize = 1
	db := New(cfg)
	target := 0

	low := newScored("func low() {}", 0.1, nil)
	db.Add(low, 0, &target)
	high := newScored("func high() {}", 0.9, nil)
	db.Add(high, 1, &target)

	assert.True(t, db.archive.IDs[high.ID])

	parent, _, err := db.SampleFromIsland(0, 0, StrategyExploit)
	require.NoError(t, err)
	assert.Equal(t, high.ID, parent.ID)
}

func TestPopulationLimitEvictsWorst(t *testing.T) {
	cfg := testConfig()
	cfg.PopulationSize = 3
	db := New(cfg)
	target := 0

	for i := 0; i < 5; i++ {
		p := newScored("func g"+string(rune('a'+i))+"() {}", float64(i)/10, nil)
		db.Add(p, i, &target)
	}

	assert.LessOrEqual(t, len(db.programs), 3)
	best, ok := db.BestProgram()
	require.True(t, ok)
	assert.InDelta(t, 0.4, best.Metrics["combined_score"], 1e-9)
}

func TestMigratePrograms(t *testing.T) {
	db := New(testConfig())
	for island := 0; island < 3; island++ {
		target := island
		for i := 0; i < 3; i++ {
			p := newScored("func m() {}", float64(i)/10, nil)
			db.Add(p, i, &target)
		}
	}

	before := len(db.islands[1].Residents)
	db.MigratePrograms()
	after := len(db.islands[1].Residents)
	assert.Greater(t, after, before)
}

func TestShouldMigrateRespectsInterval(t *testing.T) {
	db := New(testConfig())
	assert.False(t, db.ShouldMigrate(1))

	db.AdvanceIslandGeneration(0)
	db.AdvanceIslandGeneration(1)
	db.AdvanceIslandGeneration(2)

	assert.True(t, db.ShouldMigrate(1))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db := New(testConfig())
	target := 0
	p := newScored("func roundtrip() {}", 0.7, nil)
	db.Add(p, 3, &target)

	require.NoError(t, db.Save(dir, 3))

	loaded, iteration, err := Load(dir, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, iteration)

	restored, ok := loaded.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.Code, restored.Code)

	best, ok := loaded.BestProgram()
	require.True(t, ok)
	assert.Equal(t, p.ID, best.ID)
}

func TestLoadMissingCheckpointReturnsCheckpointMissing(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(dir, testConfig())
	require.Error(t, err)
	var e *errs.Error
	require.True(t, assertAs(err, &e))
	assert.Equal(t, errs.CheckpointMissing, e.Code())
}
