package sharedcontext

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// persistLocked serialises the current state and writes it atomically
// (temp file + rename) so a crash mid-write never leaves a corrupt
// shared_context.json behind. Callers must hold s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	doc := document{
		Updates:    s.updates,
		Interfaces: s.interfaces,
		Blockers:   s.blockers,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("sharedcontext: failed to marshal state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sharedcontext: failed to create %s: %w", dir, err)
		}
	}

	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("sharedcontext: failed to write %s: %w", s.path, err)
	}
	return nil
}
