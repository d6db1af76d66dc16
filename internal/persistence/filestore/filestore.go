// Package filestore implements the default, file-backed persistence.Store
// (spec.md §4.5): a single snapshot blob in either JSON or CBOR form,
// written atomically via tmp-file-then-rename, with corrupt-file
// quarantine and a version-migration chain on load.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/fxamacker/cbor/v2"

	"github.com/gflowd/gflowd/internal/persistence"
)

const (
	jsonName = "state.json"
	cborName = "state.cbor"
)

// FileStore persists Snapshot under dir as state.cbor (the default, binary
// form) or state.json (textual, used when explicitly preferred).
type FileStore struct {
	dir        string
	preferJSON bool
}

// New returns a FileStore rooted at dir, creating it if necessary.
// preferJSON selects state.json as the write format instead of CBOR; load
// still auto-detects whichever file is present.
func New(dir string, preferJSON bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &FileStore{dir: dir, preferJSON: preferJSON}, nil
}

func (f *FileStore) path(name string) string { return filepath.Join(f.dir, name) }

// Load detects which form is present, preferring the binary form, and runs
// the snapshot through the migration chain. Missing files of both forms
// means "start fresh" and is not an error.
func (f *FileStore) Load(ctx context.Context) (persistence.Snapshot, error) {
	if _, err := os.Stat(f.path(cborName)); err == nil {
		return f.loadCBOR()
	}
	if _, err := os.Stat(f.path(jsonName)); err == nil {
		snap, err := f.loadJSON()
		if err != nil {
			return persistence.Snapshot{}, err
		}
		// Textual-only state is consumed and migrated. A store that writes
		// the binary form re-emits it in binary and retires the textual file
		// to .backup (spec.md §4.5); a JSON-preferring store keeps state.json.
		if !f.preferJSON {
			if err := f.Save(ctx, snap); err != nil {
				logging.Log.WithError(err).Warn("failed to re-emit textual state as binary")
			} else if err := os.Rename(f.path(jsonName), f.path(jsonName)+".backup"); err != nil {
				logging.Log.WithError(err).Warn("failed to retire textual state file")
			}
		}
		return snap, nil
	}
	return persistence.Snapshot{Version: persistence.CurrentVersion}, nil
}

func (f *FileStore) loadCBOR() (persistence.Snapshot, error) {
	raw, err := os.ReadFile(f.path(cborName))
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("filestore: read %s: %w", cborName, err)
	}
	var snap persistence.Snapshot
	if err := cbor.Unmarshal(raw, &snap); err != nil {
		return f.quarantine(cborName, err)
	}
	return migrate(snap)
}

func (f *FileStore) loadJSON() (persistence.Snapshot, error) {
	raw, err := os.ReadFile(f.path(jsonName))
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("filestore: read %s: %w", jsonName, err)
	}
	var snap persistence.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return f.quarantine(jsonName, err)
	}
	return migrate(snap)
}

// quarantine moves a corrupt state file aside and returns a fresh snapshot,
// matching spec.md §4.5's "scheduler starts fresh (logged at ERROR)".
func (f *FileStore) quarantine(name string, cause error) (persistence.Snapshot, error) {
	logging.Log.WithError(cause).WithField("file", name).Error("corrupt persisted state, starting fresh")
	if err := os.Rename(f.path(name), f.path(name)+".backup"); err != nil && !os.IsNotExist(err) {
		logging.Log.WithError(err).Warn("failed to quarantine corrupt state file")
	}
	return persistence.Snapshot{Version: persistence.CurrentVersion}, nil
}

// migrate runs the ordered chain of version-to-version migrations up to
// persistence.CurrentVersion. Never auto-downgrades.
func migrate(snap persistence.Snapshot) (persistence.Snapshot, error) {
	if snap.Version > persistence.CurrentVersion {
		return persistence.Snapshot{}, fmt.Errorf("filestore: persisted state version %d is newer than supported version %d", snap.Version, persistence.CurrentVersion)
	}
	// No migrations exist yet at CurrentVersion == 1; future bumps add
	// ordered steps here, e.g.:
	//   if snap.Version < 2 { snap = migrateV1toV2(snap) }
	snap.Version = persistence.CurrentVersion
	return snap, nil
}

// Save writes snap atomically: serialize to <name>.tmp, fsync, rename over
// the target. Always writes CBOR unless preferJSON, matching the
// "binary form is preferred" rule from spec.md §4.5.
func (f *FileStore) Save(ctx context.Context, snap persistence.Snapshot) error {
	snap.Version = persistence.CurrentVersion
	if f.preferJSON {
		return f.writeAtomic(jsonName, func() ([]byte, error) {
			return json.MarshalIndent(snap, "", "  ")
		})
	}
	return f.writeAtomic(cborName, func() ([]byte, error) {
		return cbor.Marshal(snap)
	})
}

func (f *FileStore) writeAtomic(name string, encode func() ([]byte, error)) error {
	data, err := encode()
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", name, err)
	}
	tmpPath := f.path(name) + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %w", tmpPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("filestore: write %s: %w", tmpPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("filestore: sync %s: %w", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.path(name)); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", tmpPath, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
