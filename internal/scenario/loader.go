package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("scenario not found")

var extensions = []string{".yaml", ".yml"}

// Scenario is a named set of fleets started together.
type Scenario struct {
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description,omitempty"`
	Fleets      []config.Autostart `yaml:"fleets" json:"fleets"`
}

// Devices returns the total number of devices the scenario creates.
func (s *Scenario) Devices() int {
	n := 0
	for _, f := range s.Fleets {
		n += f.Amount
	}
	return n
}

func (s *Scenario) Validate() error {
	if len(s.Fleets) == 0 {
		return errors.New("scenario has no fleets")
	}
	for i, f := range s.Fleets {
		if f.Amount <= 0 {
			return fmt.Errorf("fleet %d: amount must be positive", i)
		}
		if f.API != "" {
			if _, ok := types.ParseProtocol(f.API); !ok {
				return fmt.Errorf("fleet %d: unknown api %q", i, f.API)
			}
		}
		if f.PollDelay < 0 {
			return fmt.Errorf("fleet %d: negative poll delay", i)
		}
	}
	return nil
}

// Loader reads scenario files from a list of directories.
type Loader struct {
	cache       sync.Map
	searchPaths []string
}

func NewLoader(searchPaths []string) *Loader {
	return &Loader{searchPaths: searchPaths}
}

func (l *Loader) Load(name string) (*Scenario, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid scenario name %q", name)
	}
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Scenario), nil
	}

	data, foundPath := l.read(name)
	if data == nil {
		return nil, fmt.Errorf("%w: %s (searched in: %v)", ErrNotFound, name, l.searchPaths)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", foundPath, err)
	}
	if s.Name == "" {
		s.Name = name
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	l.cache.Store(name, &s)
	return &s, nil
}

func (l *Loader) read(name string) ([]byte, string) {
	for _, searchPath := range l.searchPaths {
		for _, ext := range extensions {
			fullPath := filepath.Join(searchPath, name+ext)
			if data, err := os.ReadFile(fullPath); err == nil {
				return data, fullPath
			}
		}
	}
	return nil, ""
}

// List returns the names of all scenario files found, sorted.
func (l *Loader) List() []string {
	seen := make(map[string]struct{})
	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext == ".yaml" || ext == ".yml" {
				seen[strings.TrimSuffix(e.Name(), ext)] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, _ any) bool {
		l.cache.Delete(key)
		return true
	})
}
