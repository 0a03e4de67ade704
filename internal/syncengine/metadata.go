package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"whitenote/worker/internal/store"
)

const (
	MetadataDir     = ".whitenote"
	MetadataFile    = "workspace.json"
	metadataVersion = 2
)

// FileEntry records the last synced state of one mirrored file.
type FileEntry struct {
	Kind     store.EntityKind `json:"kind"`
	ID       string           `json:"id"`
	Hash     string           `json:"hash"`
	SyncedAt time.Time        `json:"syncedAt"`
}

type WorkspaceInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Metadata is the per-workspace sidecar at <workspace>/.whitenote/workspace.json.
// Files is keyed by path relative to the workspace folder.
type Metadata struct {
	Version   int                  `json:"version"`
	Workspace WorkspaceInfo        `json:"workspace"`
	Files     map[string]FileEntry `json:"files"`
}

func metadataPath(wsPath string) string {
	return filepath.Join(wsPath, MetadataDir, MetadataFile)
}

// readMetadata loads the sidecar. A missing file yields an empty document.
func readMetadata(wsPath string) (*Metadata, error) {
	m := &Metadata{Version: metadataVersion, Files: map[string]FileEntry{}}
	raw, err := os.ReadFile(metadataPath(wsPath))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace metadata: %w", err)
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("decode workspace metadata %s: %w", metadataPath(wsPath), err)
	}
	if m.Files == nil {
		m.Files = map[string]FileEntry{}
	}
	m.Version = metadataVersion
	return m, nil
}

func (m *Metadata) write(wsPath string) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(wsPath, MetadataDir), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	return writeFileAtomic(metadataPath(wsPath), append(payload, '\n'))
}

// relPathOf finds the recorded file of an entity.
func (m *Metadata) relPathOf(kind store.EntityKind, id string) (string, bool) {
	for rel, entry := range m.Files {
		if entry.Kind == kind && entry.ID == id {
			return rel, true
		}
	}
	return "", false
}

// writeFileAtomic writes through a hidden temp file in the same directory so
// readers and the watcher never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
