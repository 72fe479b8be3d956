package component

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// Storage is the interface for component persistence.
type Storage interface {
	// Save creates or replaces a component.
	Save(c *Component) error

	// Load loads a component by ID. A missing component is a NotFound error.
	Load(id string) (*Component, error)

	// LoadAll loads all components in no particular order.
	LoadAll() ([]*Component, error)

	// Delete removes a component. Deleting a missing component is not an error.
	Delete(id string) error

	// Exists checks if a component exists in storage.
	Exists(id string) bool
}

func notFound(id string) error {
	return apperrors.NotFoundError("component").WithDetail("id", id)
}

// MemoryStorage keeps components in memory.
type MemoryStorage struct {
	components map[string]*Component
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		components: make(map[string]*Component),
	}
}

func (m *MemoryStorage) Save(c *Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStorage) Load(id string) (*Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.components[id]
	if !exists {
		return nil, notFound(id)
	}
	return c.Clone(), nil
}

func (m *MemoryStorage) LoadAll() ([]*Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Component, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m *MemoryStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.components, id)
	return nil
}

func (m *MemoryStorage) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.components[id]
	return exists
}

// FileStorage stores one JSON file per component under basePath.
// Callers must validate ids before they reach the storage.
type FileStorage struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStorage creates a new file-based storage.
func NewFileStorage(basePath string) *FileStorage {
	return &FileStorage{
		basePath: basePath,
	}
}

func (f *FileStorage) componentPath(id string) string {
	return filepath.Join(f.basePath, id+".json")
}

func (f *FileStorage) Save(c *Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal component: %w", err)
	}

	// Write then rename so readers never see a partial file.
	path := f.componentPath(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write component file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write component file: %w", err)
	}

	return nil
}

func (f *FileStorage) Load(id string) (*Component, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.componentPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to read component file: %w", err)
	}

	var c Component
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal component: %w", err)
	}

	return &c, nil
}

func (f *FileStorage) LoadAll() ([]*Component, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*Component{}, nil
		}
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	components := make([]*Component, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(f.basePath, entry.Name()))
		if err != nil {
			continue // Skip files we can't read
		}

		var c Component
		if err := json.Unmarshal(data, &c); err != nil {
			continue // Skip invalid files
		}

		components = append(components, &c)
	}

	return components, nil
}

func (f *FileStorage) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.componentPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete component file: %w", err)
	}

	return nil
}

func (f *FileStorage) Exists(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err := os.Stat(f.componentPath(id))
	return err == nil
}
