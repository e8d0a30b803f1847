package sessiongraph

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
)

// rewriteLocked atomically replaces the session file with the current
// in-memory entries (in g.order), via write-temp-then-rename.
// Caller must hold the file lock and g.mu.
func (g *Graph) rewriteLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(g.path), ".sessiongraph-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "create temp session file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	metaRec := record{RecordType: recordMeta, SchemaVersion: schemaVersion}
	b, _ := json.Marshal(metaRec)
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindInvalidConfig, "write meta header", err)
	}
	for _, id := range g.order {
		e := g.entries[id]
		rec := record{RecordType: recordEntry, ID: e.ID, ParentID: e.ParentID, Message: &e.Message}
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return errs.Wrap(errs.KindInvalidConfig, "marshal entry", err)
		}
		if _, err := tmp.Write(append(b, '\n')); err != nil {
			tmp.Close()
			return errs.Wrap(errs.KindInvalidConfig, "write entry", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindInvalidConfig, "fsync temp session file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "close temp session file", err)
	}
	if err := os.Rename(tmpPath, g.path); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "rename temp session file", err)
	}
	return nil
}
