package controller

import "path/filepath"

// Node is one program as surfaced to the desktop shell's visualization UI,
// shaped after original_source/'s generate_live_evolution_data (see
// SPEC_FULL.md §5).
type Node struct {
	ID         string             `json:"id"`
	Code       string             `json:"code"`
	Metrics    map[string]float64 `json:"metrics"`
	Generation int                `json:"generation"`
	ParentID   string             `json:"parent_id"`
	Island     int                `json:"island"`
	Iteration  int                `json:"iteration"`
	Method     string             `json:"method"`
}

// Edge is one parent->child relationship.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// EvolutionData is the {nodes, edges, archive, checkpoint_dir} shape the
// Control API's getEvolutionData returns.
type EvolutionData struct {
	Nodes         []Node   `json:"nodes"`
	Edges         []Edge   `json:"edges"`
	Archive       []string `json:"archive"`
	CheckpointDir string   `json:"checkpoint_dir"`
}

// EvolutionData snapshots the current population as nodes/edges for the
// visualization UI.
func (c *Controller) EvolutionData() EvolutionData {
	all := c.db.All()
	nodes := make([]Node, 0, len(all))
	edges := make([]Edge, 0, len(all))
	for _, p := range all {
		island := 0
		if v, ok := p.Metadata["island"].(int); ok {
			island = v
		}
		method := "initial"
		if v, ok := p.Metadata["action"].(string); ok {
			method = v
		}
		if _, ok := p.Metadata["backtracked"]; ok {
			method = "backtrack"
		}
		if _, ok := p.Metadata["crossover"]; ok {
			method = "crossover"
		}
		nodes = append(nodes, Node{
			ID:         p.ID,
			Code:       p.Code,
			Metrics:    p.Metrics,
			Generation: p.Generation,
			ParentID:   p.ParentID,
			Island:     island,
			Iteration:  p.IterationFound,
			Method:     method,
		})
		if p.ParentID != "" {
			edges = append(edges, Edge{Source: p.ParentID, Target: p.ID})
		}
	}
	return EvolutionData{
		Nodes:         nodes,
		Edges:         edges,
		Archive:       c.db.ArchiveIDs(),
		CheckpointDir: filepath.Join(c.outputDir, "checkpoints"),
	}
}
