package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Save writes p to path as indented JSON, atomically (temp file + rename)
// so a crash mid-write never leaves a corrupt implementation_plan.json
// behind. Parent directories are created as needed.
func Save(path string, p TeamPlan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("plan: failed to marshal plan: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("plan: failed to create %s: %w", dir, err)
		}
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("plan: failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads a TeamPlan previously written by Save (or authored by hand).
// Unknown fields are rejected so a typo in a hand-written plan surfaces as
// an error instead of a silently-ignored setting.
func Load(path string) (TeamPlan, error) {
	var p TeamPlan

	f, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("plan: failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("plan: failed to parse %s: %w", path, err)
	}
	return p, nil
}
