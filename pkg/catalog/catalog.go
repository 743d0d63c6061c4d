// Package catalog decides which target servers and tools are approved.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	yaml "sigs.k8s.io/yaml/goyaml.v3"

	"github.com/jkoelker/switchyard/pkg/config"
)

// Entry approves a server and optionally restricts its tools.
type Entry struct {
	Name          string   `json:"name"                    yaml:"name"`
	ApprovedTools []string `json:"approvedTools,omitempty" yaml:"approvedTools,omitempty"` //nolint:tagliatelle
}

// Catalog is the set of approved servers. Without Strict every server is
// approved.
type Catalog struct {
	Strict  bool    `json:"strict"  yaml:"strict"`
	Servers []Entry `json:"servers" yaml:"servers"`
}

// Change describes what a catalog update changed.
type Change struct {
	RemovedServers             []string
	ServerApprovedToolsChanged []string
	StrictnessChanged          bool
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.RemovedServers) == 0 && len(c.ServerApprovedToolsChanged) == 0 && !c.StrictnessChanged
}

// Load reads a catalog file. A missing file is an empty, non-strict catalog.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Catalog{}, nil
		}

		return Catalog{}, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog Catalog

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &catalog)
	} else {
		err = yaml.Unmarshal(data, &catalog)
	}

	if err != nil {
		return Catalog{}, fmt.Errorf("%w: catalog: %w", config.ErrInvalidSchema, err)
	}

	return catalog, nil
}

// Manager holds the current catalog and notifies subscribers of changes.
type Manager struct {
	logger *zap.Logger

	mu      sync.RWMutex
	strict  bool
	entries map[string]Entry

	subsMu sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewManager returns a Manager serving initial.
func NewManager(logger *zap.Logger, initial Catalog) *Manager {
	manager := &Manager{
		logger: logger.Named("catalog"),
		subs:   make(map[int]func(Change)),
	}
	manager.strict, manager.entries = index(initial)

	return manager
}

func index(catalog Catalog) (bool, map[string]Entry) {
	entries := make(map[string]Entry, len(catalog.Servers))
	for _, entry := range catalog.Servers {
		entries[config.NormalizeName(entry.Name)] = Entry{
			Name:          entry.Name,
			ApprovedTools: slices.Clone(entry.ApprovedTools),
		}
	}

	return catalog.Strict, entries
}

// Subscribe registers fn for every non-empty change and returns a function
// removing it.
func (m *Manager) Subscribe(fn func(Change)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()

		delete(m.subs, id)
	}
}

// Catalog returns the current catalog sorted by server name.
func (m *Manager) Catalog() Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	catalog := Catalog{Strict: m.strict, Servers: make([]Entry, 0, len(m.entries))}
	for _, entry := range m.entries {
		catalog.Servers = append(catalog.Servers, Entry{
			Name:          entry.Name,
			ApprovedTools: slices.Clone(entry.ApprovedTools),
		})
	}

	slices.SortFunc(catalog.Servers, func(a, b Entry) int {
		return strings.Compare(config.NormalizeName(a.Name), config.NormalizeName(b.Name))
	})

	return catalog
}

// SetCatalog replaces the catalog and notifies subscribers when something
// relevant changed.
func (m *Manager) SetCatalog(catalog Catalog) Change {
	strict, entries := index(catalog)

	m.mu.Lock()
	change := diff(m.strict, m.entries, strict, entries)
	m.strict, m.entries = strict, entries
	m.mu.Unlock()

	if change.Empty() {
		return change
	}

	m.logger.Info("catalog changed",
		zap.Strings("removed", change.RemovedServers),
		zap.Strings("toolsChanged", change.ServerApprovedToolsChanged),
		zap.Bool("strictnessChanged", change.StrictnessChanged),
	)

	m.subsMu.Lock()
	subs := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(change)
	}

	return change
}

// IsServerApproved reports whether name may be connected.
func (m *Manager) IsServerApproved(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.strict {
		return true
	}

	_, ok := m.entries[config.NormalizeName(name)]

	return ok
}

// IsToolApproved reports whether tool of server may be exposed. Servers
// missing from the catalog or without an approved list expose every tool.
// Tool names are case sensitive.
func (m *Manager) IsToolApproved(server, tool string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[config.NormalizeName(server)]
	if !ok || len(entry.ApprovedTools) == 0 {
		return true
	}

	return slices.Contains(entry.ApprovedTools, tool)
}

var toolListsEqual = cmp.Options{
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
	cmpopts.EquateEmpty(),
}

func diff(oldStrict bool, oldEntries map[string]Entry, newStrict bool, newEntries map[string]Entry) Change {
	change := Change{StrictnessChanged: oldStrict != newStrict}

	for key, previous := range oldEntries {
		current, ok := newEntries[key]
		if !ok {
			change.RemovedServers = append(change.RemovedServers, previous.Name)

			continue
		}

		if !cmp.Equal(previous.ApprovedTools, current.ApprovedTools, toolListsEqual) {
			change.ServerApprovedToolsChanged = append(change.ServerApprovedToolsChanged, current.Name)
		}
	}

	slices.Sort(change.RemovedServers)
	slices.Sort(change.ServerApprovedToolsChanged)

	return change
}
