package controller

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/program"
)

// bestProgramInfo is the on-disk shape of best/best_program_info.json.
type bestProgramInfo struct {
	ID         string             `json:"id"`
	Generation int                `json:"generation"`
	Iteration  int                `json:"iteration_found"`
	Metrics    map[string]float64 `json:"metrics"`
	SavedAt    time.Time          `json:"saved_at"`
}

// saveBest overwrites <outputDir>/best/best_program<suffix> and
// best_program_info.json with best, per spec.md §6.
func (c *Controller) saveBest(best *program.Program) error {
	dir := filepath.Join(c.outputDir, "best")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(err, errs.Unknown, "create best dir")
	}

	suffix := c.cfg.FileSuffix
	if suffix == "" {
		suffix = ".txt"
	}
	codePath := filepath.Join(dir, "best_program"+suffix)
	if err := os.WriteFile(codePath, []byte(best.Code), 0o644); err != nil {
		return errs.Wrap(err, errs.Unknown, "write best program source")
	}

	info := bestProgramInfo{
		ID:         best.ID,
		Generation: best.Generation,
		Iteration:  best.IterationFound,
		Metrics:    best.Metrics,
		SavedAt:    time.Now(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.Unknown, "marshal best program info")
	}
	return os.WriteFile(filepath.Join(dir, "best_program_info.json"), data, 0o644)
}
