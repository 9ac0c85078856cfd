package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SessionRecord is one entry in the persisted session registry, matching
// spec.md §6's `{id, port, type, display_name, color, created_ms}` shape.
type SessionRecord struct {
	ID          string `json:"id"`
	Port        int    `json:"port"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	CreatedMs   int64  `json:"created_ms"`
}

type registryFile struct {
	Sessions []SessionRecord `json:"sessions"`
}

// DefaultRegistryPath returns ~/.eisen/sessions.json, falling back to a
// relative path if the home directory cannot be determined (e.g. a
// minimal container environment).
func DefaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".eisen", "sessions.json")
	}
	return filepath.Join(home, ".eisen", "sessions.json")
}

// LoadRegistry reads the session registry at path. A missing file is not
// an error — the registry is a cache, per spec.md §6 ("Loss of the file is
// recoverable") — and returns a nil slice.
func LoadRegistry(path string) ([]SessionRecord, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read registry: %w", err)
	}
	var f registryFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("orchestrator: parse registry: %w", err)
	}
	return f.Sessions, nil
}

// persistRegistry writes the current roster to a.opts.RegistryPath via
// temp-file-plus-rename, per spec.md §6's atomic write requirement. A
// failure is logged, not returned: losing the registry is recoverable, so
// it must never interrupt the caller (AddAgent/RemoveAgent).
func (a *Aggregator) persistRegistry() {
	if !a.opts.Persist {
		return
	}

	a.mu.Lock()
	records := make([]SessionRecord, 0, len(a.agents))
	for _, ac := range a.agents {
		records = append(records, SessionRecord{
			ID:          ac.info.InstanceID,
			Port:        ac.info.Port,
			Type:        ac.info.Type,
			DisplayName: ac.info.DisplayName,
			Color:       ac.info.Color,
			CreatedMs:   ac.createdMs,
		})
	}
	a.mu.Unlock()

	if err := writeRegistryAtomic(a.opts.RegistryPath, registryFile{Sessions: records}); err != nil {
		a.logger.Warn("orchestrator: failed to persist session registry", "error", err)
	}
}

func writeRegistryAtomic(path string, f registryFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename registry file into place: %w", err)
	}
	return nil
}
