// Package permissions decides whether a consumer may call a tool.
package permissions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

// ConsumerName is the name the manager registers under.
const ConsumerName = "PermissionManager"

var (
	// ErrNotInitialized is the panic value of queries made before the first commit.
	ErrNotInitialized = errors.New("permission manager is not initialized")

	// ErrNothingToCommit is returned by CommitConfig without a prepared config.
	ErrNothingToCommit = errors.New("no prepared permissions to commit")
)

// Manager answers permission queries from the last committed configuration.
type Manager struct {
	logger  *zap.Logger
	current atomic.Pointer[index]

	mu        sync.Mutex
	next      *index
	previous  *index
	committed bool
}

// NewManager returns an uninitialized Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("permissions"),
	}
}

// Name implements configmanager.Consumer.
func (m *Manager) Name() string {
	return ConsumerName
}

// PrepareConfig builds the index for cfg without exposing it.
func (m *Manager) PrepareConfig(_ context.Context, cfg config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = nil
	m.committed = false

	next, err := buildIndex(cfg)
	if err != nil {
		return err
	}

	m.next = next

	return nil
}

// CommitConfig swaps in the prepared index.
func (m *Manager) CommitConfig(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next == nil {
		return ErrNothingToCommit
	}

	m.previous = m.current.Swap(m.next)
	m.next = nil
	m.committed = true

	return nil
}

// RollbackConfig drops the prepared index, or restores the previous one if
// this transaction already committed.
func (m *Manager) RollbackConfig() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = nil

	if m.committed {
		m.logger.Info("restoring previous permissions")
		m.current.Store(m.previous)
		m.committed = false
	}
}

// Initialized reports whether a configuration has been committed.
func (m *Manager) Initialized() bool {
	return m.current.Load() != nil
}

// HasPermission reports whether consumerTag may call tool on service.
// Unknown or empty consumer tags use the default policy. It panics when
// called before the first commit.
func (m *Manager) HasPermission(service, tool, consumerTag string) bool {
	idx := m.current.Load()
	if idx == nil {
		panic(ErrNotInitialized)
	}

	return idx.permits(service, tool, consumerTag)
}
