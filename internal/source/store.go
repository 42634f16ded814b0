package source

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store persists source descriptors in a YAML file so configured sources
// survive restarts. Writes go through a temp-file rename.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	sources map[uuid.UUID]*Descriptor
}

// OpenStore loads (or initializes) the descriptor file at path.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		sources: make(map[uuid.UUID]*Descriptor),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source store: %w", err)
	}

	var file struct {
		Sources []*Descriptor `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse source store: %w", err)
	}
	for _, d := range file.Sources {
		s.sources[d.ID] = d
	}

	logger.Info("Source store loaded",
		zap.String("path", path),
		zap.Int("sources", len(s.sources)),
	)
	return s, nil
}

// Reload re-reads the descriptor file, picking up edits made outside the
// API. A missing file empties the store.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.sources = make(map[uuid.UUID]*Descriptor)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read source store: %w", err)
	}

	var file struct {
		Sources []*Descriptor `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse source store: %w", err)
	}

	fresh := make(map[uuid.UUID]*Descriptor, len(file.Sources))
	for _, d := range file.Sources {
		fresh[d.ID] = d
	}

	s.mu.Lock()
	s.sources = fresh
	s.mu.Unlock()

	s.logger.Info("Source store reloaded",
		zap.String("path", s.path),
		zap.Int("sources", len(fresh)),
	)
	return nil
}

// Save upserts a descriptor and persists the file.
func (s *Store) Save(d *Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources[d.ID] = d
	return s.persistLocked()
}

// Delete removes a descriptor and persists the file.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[id]; !ok {
		return nil
	}
	delete(s.sources, id)
	return s.persistLocked()
}

// Get returns the descriptor with the given id.
func (s *Store) Get(id uuid.UUID) (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sources[id]
	return d, ok
}

// List returns all descriptors sorted by name.
func (s *Store) List() []*Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Descriptor, 0, len(s.sources))
	for _, d := range s.sources {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) persistLocked() error {
	file := struct {
		Sources []*Descriptor `yaml:"sources"`
	}{Sources: make([]*Descriptor, 0, len(s.sources))}
	for _, d := range s.sources {
		file.Sources = append(file.Sources, d)
	}
	sort.Slice(file.Sources, func(i, j int) bool { return file.Sources[i].Name < file.Sources[j].Name })

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode source store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write source store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to swap source store: %w", err)
	}
	return nil
}
