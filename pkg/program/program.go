// Package program defines the unit of evolution and the population
// structures (islands, archive, feature coordinates) that organize it.
package program

import (
	"time"

	"github.com/google/uuid"
)

// Program is the immutable-once-evaluated unit of evolution. Only Metadata
// may be annotated after the fact (island assignment, action tags,
// backtrack/crossover flags).
type Program struct {
	ID              string
	Code            string
	Language        string
	ParentID        string
	Generation      int
	CreatedAt       time.Time
	IterationFound  int
	Metrics         map[string]float64
	Complexity      float64
	Diversity       float64
	Metadata        map[string]interface{}
	Artifacts       map[string][]byte
	ArtifactDir     string
	Embedding       []float64
}

// New constructs a Program with a fresh identifier, ready for evaluation.
func New(code, language string, parent *Program, iterationFound int) *Program {
	p := &Program{
		ID:             uuid.NewString(),
		Code:           code,
		Language:       language,
		CreatedAt:      time.Now(),
		IterationFound: iterationFound,
		Metrics:        map[string]float64{},
		Metadata:       map[string]interface{}{},
	}
	if parent != nil {
		p.ParentID = parent.ID
		p.Generation = parent.Generation + 1
	}
	return p
}

// Clone returns a deep-enough copy suitable for external inspection or for
// seeding a backtrack/crossover offspring; Metadata and Metrics maps are
// copied so callers can't mutate the original through the clone.
func (p *Program) Clone() *Program {
	clone := *p
	clone.Metrics = make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		clone.Metrics[k] = v
	}
	clone.Metadata = make(map[string]interface{}, len(p.Metadata))
	for k, v := range p.Metadata {
		clone.Metadata[k] = v
	}
	if p.Embedding != nil {
		clone.Embedding = append([]float64(nil), p.Embedding...)
	}
	return &clone
}

// Fitness returns metrics["combined_score"] when present; otherwise the
// mean of every numeric metric other than those named in featureDims (the
// dimensions already used for MAP-Elites binning are excluded so fitness
// doesn't double-count a feature as an objective).
func (p *Program) Fitness(featureDims []string) float64 {
	if v, ok := p.Metrics["combined_score"]; ok {
		return v
	}
	exclude := make(map[string]bool, len(featureDims))
	for _, d := range featureDims {
		exclude[d] = true
	}
	sum := 0.0
	n := 0
	for k, v := range p.Metrics {
		if exclude[k] {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Island is a MAP-Elites subpopulation. Residents is the set of program IDs
// it owns; Cells maps a joined feature-coordinate key to the single best
// resident for that cell.
type Island struct {
	ID         int
	Residents  map[string]bool
	Cells      map[string]string // feature key -> program id
	Generation int
	BestID     string
}

// NewIsland creates an empty island with the given index.
func NewIsland(id int) *Island {
	return &Island{
		ID:        id,
		Residents: map[string]bool{},
		Cells:     map[string]string{},
	}
}

// Archive is a bounded elite set shared across islands, used by the
// "exploit" sampling strategy.
type Archive struct {
	Limit int
	IDs   map[string]bool
}

// NewArchive creates an archive bounded to limit entries.
func NewArchive(limit int) *Archive {
	return &Archive{Limit: limit, IDs: map[string]bool{}}
}

func (a *Archive) Len() int { return len(a.IDs) }
