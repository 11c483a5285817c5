// Package database implements the program population: MAP-Elites feature
// binning within islands, a cross-island elite archive, periodic migration,
// and checkpointing to plain JSON files.
package database

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/evalutil"
	"openevolve/pkg/program"
)

// Config configures a Database, mirroring spec.md §6's `database.*` keys.
type Config struct {
	PopulationSize         int
	ArchiveSize            int
	NumIslands             int
	FeatureDimensions      []string
	FeatureBins            map[string]int // per-dimension bin override
	DefaultBins            int
	DiversityReferenceSize int
	MigrationInterval      int
	MigrationRate          float64
	RandomSeed             *int64
}

// Database owns the full program population: every evaluated program,
// island partitions with their MAP-Elites cell maps, and the shared elite
// archive.
type Database struct {
	mu sync.Mutex

	cfg     Config
	rng     *rand.Rand
	dims    map[string]*dimStats
	diverse []string // rolling reference code snippets for the diversity dimension

	programs map[string]*program.Program
	islands  []*program.Island
	archive  *program.Archive

	bestID                  string
	lastIteration           int
	lastMigrationGeneration int
}

// New constructs an empty Database ready to receive the seed program.
func New(cfg Config) *Database {
	if cfg.NumIslands <= 0 {
		cfg.NumIslands = 1
	}
	if cfg.DefaultBins <= 0 {
		cfg.DefaultBins = 10
	}
	if cfg.DiversityReferenceSize <= 0 {
		cfg.DiversityReferenceSize = 25
	}

	var rng *rand.Rand
	if cfg.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*cfg.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	dims := make(map[string]*dimStats, len(cfg.FeatureDimensions))
	for _, d := range cfg.FeatureDimensions {
		bins := cfg.DefaultBins
		if b, ok := cfg.FeatureBins[d]; ok {
			bins = b
		}
		dims[d] = newDimStats(bins)
	}

	islands := make([]*program.Island, cfg.NumIslands)
	for i := range islands {
		islands[i] = program.NewIsland(i)
	}

	return &Database{
		cfg:      cfg,
		rng:      rng,
		dims:     dims,
		programs: map[string]*program.Program{},
		islands:  islands,
		archive:  program.NewArchive(cfg.ArchiveSize),
	}
}

// Get returns the program with id, if resident.
func (db *Database) Get(id string) (*program.Program, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.programs[id]
	return p, ok
}

// BestProgram returns the global best program, if any has been inserted.
func (db *Database) BestProgram() (*program.Program, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.bestID == "" {
		return nil, false
	}
	return db.programs[db.bestID], true
}

// LastIteration returns the iteration number of the most recent insertion.
func (db *Database) LastIteration() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastIteration
}

func (db *Database) fitness(p *program.Program) float64 {
	return p.Fitness(db.cfg.FeatureDimensions)
}

// featureCoords computes this program's bin index along every configured
// dimension, updating each dimension's running (min, max) as a side effect.
func (db *Database) featureCoords(p *program.Program) []int {
	coords := make([]int, len(db.cfg.FeatureDimensions))
	for i, name := range db.cfg.FeatureDimensions {
		v := db.featureValue(p, name)
		d := db.dims[name]
		d.observe(v)
		coords[i] = d.bin(v)
	}
	return coords
}

// FeatureCoords returns p's current bin index along every configured
// feature dimension, named by dimension, for display in the prompt
// template's feature-coordinates line. Unlike the internal featureCoords
// used by Add, this doesn't update each dimension's running (min, max)
// stats: it's read-only, for a program already resident.
func (db *Database) FeatureCoords(p *program.Program) map[string]int {
	db.mu.Lock()
	defer db.mu.Unlock()
	coords := make(map[string]int, len(db.cfg.FeatureDimensions))
	for _, name := range db.cfg.FeatureDimensions {
		coords[name] = db.dims[name].bin(db.featureValue(p, name))
	}
	return coords
}

func (db *Database) featureValue(p *program.Program, name string) float64 {
	switch name {
	case "complexity":
		return float64(len([]rune(p.Code)))
	case "diversity":
		return db.diversityOf(p.Code)
	case "score":
		return db.fitness(p)
	default:
		return p.Metrics[name]
	}
}

func (db *Database) diversityOf(code string) float64 {
	if len(db.diverse) == 0 {
		return 0
	}
	sum := 0
	for _, ref := range db.diverse {
		sum += evalutil.EditDistance(code, ref)
	}
	return float64(sum) / float64(len(db.diverse))
}

func (db *Database) pushDiversityReference(code string) {
	db.diverse = append(db.diverse, code)
	if len(db.diverse) > db.cfg.DiversityReferenceSize {
		db.diverse = db.diverse[len(db.diverse)-db.cfg.DiversityReferenceSize:]
	}
}

func cellKey(coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ":")
}

// Add inserts p into the database under the given iteration, resolving its
// island as: targetIsland if non-nil, else its parent's island, else island
// 0 — always modulo numIslands. See spec.md §4.4.
func (db *Database) Add(p *program.Program, iteration int, targetIsland *int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.lastIteration = iteration
	db.programs[p.ID] = p

	islandID := db.resolveIsland(p, targetIsland)
	island := db.islands[islandID]

	coords := db.featureCoords(p)
	key := cellKey(coords)

	fitness := db.fitness(p)

	if existingID, ok := island.Cells[key]; ok {
		existing := db.programs[existingID]
		if fitness > db.fitness(existing) {
			island.Cells[key] = p.ID
			delete(island.Residents, existingID)
			if db.archive.IDs[existingID] {
				delete(db.archive.IDs, existingID)
				db.archive.IDs[p.ID] = true
			}
		}
	} else {
		island.Cells[key] = p.ID
	}

	island.Residents[p.ID] = true
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["island"] = islandID

	db.updateArchive(p, fitness)
	db.enforcePopulationLimit(p.ID)

	if db.bestID == "" || fitness > db.fitness(db.programs[db.bestID]) {
		db.bestID = p.ID
	}
	if island.BestID == "" || fitness > db.fitness(db.programs[island.BestID]) {
		island.BestID = p.ID
	}

	db.pushDiversityReference(p.Code)
}

func (db *Database) resolveIsland(p *program.Program, targetIsland *int) int {
	var raw int
	switch {
	case targetIsland != nil:
		raw = *targetIsland
	case p.ParentID != "":
		if parent, ok := db.programs[p.ParentID]; ok {
			// A checkpoint-loaded parent carries its island as a JSON float64.
			switch island := parent.Metadata["island"].(type) {
			case int:
				raw = island
			case float64:
				raw = int(island)
			}
		}
	}
	n := len(db.islands)
	raw %= n
	if raw < 0 {
		raw += n
	}
	return raw
}

func (db *Database) updateArchive(p *program.Program, fitness float64) {
	if db.archive.Len() < db.archive.Limit {
		db.archive.IDs[p.ID] = true
		return
	}
	worstID, worstFitness := "", 0.0
	first := true
	for id := range db.archive.IDs {
		f := db.fitness(db.programs[id])
		if first || f < worstFitness {
			worstID, worstFitness = id, f
			first = false
		}
	}
	if worstID != "" && fitness > worstFitness {
		delete(db.archive.IDs, worstID)
		db.archive.IDs[p.ID] = true
	}
}

// enforcePopulationLimit evicts the lowest-fitness program other than
// justInserted while the population exceeds its configured cap.
func (db *Database) enforcePopulationLimit(justInserted string) {
	for len(db.programs) > db.cfg.PopulationSize {
		worstID, worstFitness := "", 0.0
		first := true
		for id, p := range db.programs {
			if id == justInserted {
				continue
			}
			f := db.fitness(p)
			if first || f < worstFitness {
				worstID, worstFitness = id, f
				first = false
			}
		}
		if worstID == "" {
			return
		}
		db.evict(worstID)
	}
}

func (db *Database) evict(id string) {
	delete(db.programs, id)
	delete(db.archive.IDs, id)
	for _, island := range db.islands {
		delete(island.Residents, id)
		for key, cellID := range island.Cells {
			if cellID == id {
				delete(island.Cells, key)
			}
		}
	}
}

// Strategy selects how SampleFromIsland picks the parent.
type Strategy string

const (
	StrategyExplore  Strategy = "explore"
	StrategyExploit  Strategy = "exploit"
	StrategyWeighted Strategy = "weighted"
)

// SampleFromIsland picks a parent from islandID using strategy, plus up to
// numInspirations additional residents (without replacement, excluding the
// parent). Returns errs.EmptyIsland when the island has no residents.
func (db *Database) SampleFromIsland(islandID int, numInspirations int, strategy Strategy) (*program.Program, []*program.Program, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	island := db.islands[islandID%len(db.islands)]
	if len(island.Residents) == 0 {
		return nil, nil, errs.WithFields(errs.New(errs.EmptyIsland, "island has no residents"), errs.Fields{"island": islandID})
	}

	residents := make([]*program.Program, 0, len(island.Residents))
	for id := range island.Residents {
		residents = append(residents, db.programs[id])
	}

	parent := db.pickParent(residents, island, strategy)

	pool := make([]*program.Program, 0, len(residents)-1)
	for _, r := range residents {
		if r.ID != parent.ID {
			pool = append(pool, r)
		}
	}
	db.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if numInspirations > len(pool) {
		numInspirations = len(pool)
	}
	return parent, pool[:numInspirations], nil
}

func (db *Database) pickParent(residents []*program.Program, island *program.Island, strategy Strategy) *program.Program {
	switch strategy {
	case StrategyExploit:
		var candidates []*program.Program
		for _, r := range residents {
			if db.archive.IDs[r.ID] {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			candidates = residents
		}
		return candidates[db.rng.Intn(len(candidates))]
	case StrategyWeighted:
		return db.weightedPick(residents)
	default: // explore
		return residents[db.rng.Intn(len(residents))]
	}
}

func (db *Database) weightedPick(residents []*program.Program) *program.Program {
	total := 0.0
	weights := make([]float64, len(residents))
	for i, r := range residents {
		f := db.fitness(r)
		if f < 0 {
			f = 0
		}
		weights[i] = f
		total += f
	}
	if total <= 0 {
		return residents[db.rng.Intn(len(residents))]
	}
	target := db.rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if target <= cum {
			return residents[i]
		}
	}
	return residents[len(residents)-1]
}

// TopPrograms returns up to n resident programs across the whole
// population, sorted by descending fitness.
func (db *Database) TopPrograms(n int) []*program.Program {
	db.mu.Lock()
	defer db.mu.Unlock()

	all := make([]*program.Program, 0, len(db.programs))
	for _, p := range db.programs {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return db.fitness(all[i]) > db.fitness(all[j]) })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// IslandBest returns islandID's current best resident, if any.
func (db *Database) IslandBest(islandID int) (*program.Program, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	island := db.islands[islandID%len(db.islands)]
	if island.BestID == "" {
		return nil, false
	}
	return db.programs[island.BestID], true
}

// IslandBestFitness returns the fitness of islandID's current best resident.
func (db *Database) IslandBestFitness(islandID int) (float64, bool) {
	p, ok := db.IslandBest(islandID)
	if !ok {
		return 0, false
	}
	return db.fitness(p), true
}

// NumIslands reports the configured island count.
func (db *Database) NumIslands() int {
	return len(db.islands)
}

// All returns every resident program, in no particular order.
func (db *Database) All() []*program.Program {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*program.Program, 0, len(db.programs))
	for _, p := range db.programs {
		out = append(out, p)
	}
	return out
}

// ArchiveIDs returns the identifiers currently held in the elite archive.
func (db *Database) ArchiveIDs() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.archive.IDs))
	for id := range db.archive.IDs {
		out = append(out, id)
	}
	return out
}

// ShouldMigrate reports whether every island has advanced migrationInterval
// generations since the last migration.
func (db *Database) ShouldMigrate(migrationInterval int) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.minGeneration()-db.lastMigrationGeneration >= migrationInterval
}

func (db *Database) minGeneration() int {
	min := db.islands[0].Generation
	for _, island := range db.islands[1:] {
		if island.Generation < min {
			min = island.Generation
		}
	}
	return min
}

// AdvanceIslandGeneration bumps islandID's generation counter (called once
// per controller iteration on the acting island).
func (db *Database) AdvanceIslandGeneration(islandID int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.islands[islandID%len(db.islands)].Generation++
}

// MigratePrograms copies the top K = populationSize*migrationRate residents
// of each island to island (i+1) mod n under fresh identifiers.
func (db *Database) MigratePrograms() {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := len(db.islands)
	k := int(float64(db.cfg.PopulationSize) * db.cfg.MigrationRate)
	if k <= 0 {
		k = 1
	}

	type migrant struct {
		clone *program.Program
		dest  int
	}
	var migrants []migrant

	for i, island := range db.islands {
		residents := make([]*program.Program, 0, len(island.Residents))
		for id := range island.Residents {
			residents = append(residents, db.programs[id])
		}
		sort.Slice(residents, func(a, b int) bool {
			return db.fitness(residents[a]) > db.fitness(residents[b])
		})
		top := residents
		if len(top) > k {
			top = top[:k]
		}
		dest := (i + 1) % n
		for _, r := range top {
			clone := r.Clone()
			clone.ID = newMigrantID(r.ID, dest)
			migrants = append(migrants, migrant{clone: clone, dest: dest})
		}
	}

	for _, m := range migrants {
		db.programs[m.clone.ID] = m.clone
		m.clone.Metadata["island"] = m.dest
		db.islands[m.dest].Residents[m.clone.ID] = true
	}

	db.lastMigrationGeneration = db.minGeneration()
}

func newMigrantID(sourceID string, dest int) string {
	return fmt.Sprintf("%s-migrant-%d-%d", sourceID, dest, rand.Int63())
}
