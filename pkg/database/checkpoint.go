package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/program"
)

// checkpointProgram is the on-disk shape of one program record.
type checkpointProgram struct {
	ID             string                 `json:"id"`
	Code           string                 `json:"code"`
	Language       string                 `json:"language"`
	ParentID       string                 `json:"parent_id"`
	Generation     int                    `json:"generation"`
	IterationFound int                    `json:"iteration_found"`
	Metrics        map[string]float64     `json:"metrics"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// checkpointIsland is the on-disk shape of one island's membership.
type checkpointIsland struct {
	ID         int            `json:"id"`
	Residents  []string       `json:"residents"`
	Cells      map[string]string `json:"cells"`
	Generation int            `json:"generation"`
	BestID     string         `json:"best_id"`
}

// checkpointMetadata is metadata.json: everything except the program bodies.
type checkpointMetadata struct {
	Iteration               int                `json:"iteration"`
	Islands                 []checkpointIsland `json:"islands"`
	ArchiveIDs              []string           `json:"archive_ids"`
	BestID                  string             `json:"best_id"`
	LastMigrationGeneration int                `json:"last_migration_generation"`
	FeatureDimensions       []string           `json:"feature_dimensions"`
}

// Save writes programs.json and metadata.json into dir, representing the
// database's state as of iteration.
func (db *Database) Save(dir string, iteration int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(err, errs.Unknown, "create checkpoint dir")
	}

	progs := make([]checkpointProgram, 0, len(db.programs))
	for _, p := range db.programs {
		progs = append(progs, checkpointProgram{
			ID:             p.ID,
			Code:           p.Code,
			Language:       p.Language,
			ParentID:       p.ParentID,
			Generation:     p.Generation,
			IterationFound: p.IterationFound,
			Metrics:        p.Metrics,
			Metadata:       p.Metadata,
		})
	}
	if err := writeJSON(filepath.Join(dir, "programs.json"), progs); err != nil {
		return err
	}

	islands := make([]checkpointIsland, len(db.islands))
	for i, isl := range db.islands {
		residents := make([]string, 0, len(isl.Residents))
		for id := range isl.Residents {
			residents = append(residents, id)
		}
		islands[i] = checkpointIsland{
			ID:         isl.ID,
			Residents:  residents,
			Cells:      isl.Cells,
			Generation: isl.Generation,
			BestID:     isl.BestID,
		}
	}

	archiveIDs := make([]string, 0, len(db.archive.IDs))
	for id := range db.archive.IDs {
		archiveIDs = append(archiveIDs, id)
	}

	meta := checkpointMetadata{
		Iteration:               iteration,
		Islands:                 islands,
		ArchiveIDs:              archiveIDs,
		BestID:                  db.bestID,
		LastMigrationGeneration: db.lastMigrationGeneration,
		FeatureDimensions:       db.cfg.FeatureDimensions,
	}
	return writeJSON(filepath.Join(dir, "metadata.json"), meta)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.Unknown, "marshal checkpoint")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(err, errs.Unknown, fmt.Sprintf("write %s", path))
	}
	return nil
}

// Load restores a Database's state from dir, previously written by Save. It
// returns errs.CheckpointMissing when either file is absent.
func Load(dir string, cfg Config) (*Database, int, error) {
	programsPath := filepath.Join(dir, "programs.json")
	metadataPath := filepath.Join(dir, "metadata.json")

	programsData, err := os.ReadFile(programsPath)
	if err != nil {
		return nil, 0, errs.WithFields(errs.Wrap(err, errs.CheckpointMissing, "read programs.json"), errs.Fields{"dir": dir})
	}
	metadataData, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, 0, errs.WithFields(errs.Wrap(err, errs.CheckpointMissing, "read metadata.json"), errs.Fields{"dir": dir})
	}

	var progs []checkpointProgram
	if err := json.Unmarshal(programsData, &progs); err != nil {
		return nil, 0, errs.Wrap(err, errs.Unknown, "parse programs.json")
	}
	var meta checkpointMetadata
	if err := json.Unmarshal(metadataData, &meta); err != nil {
		return nil, 0, errs.Wrap(err, errs.Unknown, "parse metadata.json")
	}

	if len(meta.FeatureDimensions) > 0 {
		cfg.FeatureDimensions = meta.FeatureDimensions
	}
	if len(meta.Islands) > 0 {
		cfg.NumIslands = len(meta.Islands)
	}

	db := New(cfg)

	for _, cp := range progs {
		p := &program.Program{
			ID:             cp.ID,
			Code:           cp.Code,
			Language:       cp.Language,
			ParentID:       cp.ParentID,
			Generation:     cp.Generation,
			IterationFound: cp.IterationFound,
			Metrics:        cp.Metrics,
			Metadata:       cp.Metadata,
		}
		if p.Metrics == nil {
			p.Metrics = map[string]float64{}
		}
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		db.programs[p.ID] = p
	}

	for i, cpIsland := range meta.Islands {
		if i >= len(db.islands) {
			break
		}
		island := db.islands[i]
		island.Generation = cpIsland.Generation
		island.BestID = cpIsland.BestID
		island.Cells = cpIsland.Cells
		if island.Cells == nil {
			island.Cells = map[string]string{}
		}
		for _, id := range cpIsland.Residents {
			island.Residents[id] = true
		}
	}

	for _, id := range meta.ArchiveIDs {
		db.archive.IDs[id] = true
	}

	db.bestID = meta.BestID
	db.lastMigrationGeneration = meta.LastMigrationGeneration
	db.lastIteration = meta.Iteration

	return db, meta.Iteration, nil
}
