// Package configmanager distributes a configuration value to independent
// consumers so that all of them adopt it, or none of them do.
package configmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Consumer takes part in configuration transactions.
//
// PrepareConfig validates and stages the next state without exposing it.
// CommitConfig exposes the staged state. RollbackConfig discards the staged
// state and, when called after CommitConfig of the same transaction,
// restores the state that was current before it.
type Consumer[T any] interface {
	Name() string
	PrepareConfig(ctx context.Context, cfg T) error
	CommitConfig(ctx context.Context) error
	RollbackConfig()
}

// Manager holds the current configuration and its version.
type Manager[T any] struct {
	logger       *zap.Logger
	clock        func() time.Time
	postCommit   func(context.Context, T) error
	happyPathLvl zapcore.Level

	inFlight atomic.Bool

	mu           sync.RWMutex
	consumers    []Consumer[T]
	current      T
	version      int
	lastModified time.Time
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithClock sets the time source used for LastModified.
func WithClock[T any](clock func() time.Time) Option[T] {
	return func(m *Manager[T]) {
		m.clock = clock
	}
}

// WithPostCommitHook runs hook after every successful commit. Its error is
// logged and otherwise ignored.
func WithPostCommitHook[T any](hook func(context.Context, T) error) Option[T] {
	return func(m *Manager[T]) {
		m.postCommit = hook
	}
}

// WithHappyPathLevel sets the level of the logs written for successful
// transactions.
func WithHappyPathLevel[T any](level zapcore.Level) Option[T] {
	return func(m *Manager[T]) {
		m.happyPathLvl = level
	}
}

// New returns a Manager holding initial at version 0.
func New[T any](initial T, logger *zap.Logger, opts ...Option[T]) *Manager[T] {
	manager := &Manager[T]{
		logger:       logger.Named("config-manager"),
		clock:        time.Now,
		happyPathLvl: zapcore.InfoLevel,
		current:      initial,
	}

	for _, opt := range opts {
		opt(manager)
	}

	manager.lastModified = manager.clock()

	return manager
}

// RegisterConsumer adds a consumer. Consumers commit in registration order.
func (m *Manager[T]) RegisterConsumer(consumer Consumer[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("%w: %s", ErrConsumerAlreadyRegistered, consumer.Name())
		}
	}

	m.consumers = append(m.consumers, consumer)

	return nil
}

// Current returns the committed configuration.
func (m *Manager[T]) Current() T {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// Version returns the number of successful commits.
func (m *Manager[T]) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.version
}

// LastModified returns the time of the last successful commit.
func (m *Manager[T]) LastModified() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastModified
}

// Bootstrap pushes the current configuration to every consumer.
func (m *Manager[T]) Bootstrap(ctx context.Context) error {
	return m.UpdateConfig(ctx, m.Current())
}

// UpdateConfig applies cfg to every consumer or to none of them. A call
// made while another is in flight fails with ErrConfigInTransit.
func (m *Manager[T]) UpdateConfig(ctx context.Context, cfg T) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		return ErrConfigInTransit
	}
	defer m.inFlight.Store(false)

	m.mu.RLock()
	consumers := append([]Consumer[T]{}, m.consumers...)
	m.mu.RUnlock()

	if err := m.prepare(ctx, consumers, cfg); err != nil {
		m.rollback(consumers)

		return err
	}

	for _, consumer := range consumers {
		if err := consumer.CommitConfig(ctx); err != nil {
			m.logger.Error("config commit failed",
				zap.String("consumer", consumer.Name()),
				zap.Error(err),
			)
			m.rollback(consumers)

			return &CommitFailedError{Consumer: consumer.Name(), Err: err}
		}
	}

	m.mu.Lock()
	m.current = cfg
	m.version++
	m.lastModified = m.clock()
	version := m.version
	m.mu.Unlock()

	if ce := m.logger.Check(m.happyPathLvl, "config committed"); ce != nil {
		ce.Write(zap.Int("version", version), zap.Int("consumers", len(consumers)))
	}

	if m.postCommit != nil {
		if err := m.postCommit(ctx, cfg); err != nil {
			m.logger.Warn("post commit hook failed", zap.Int("version", version), zap.Error(err))
		}
	}

	return nil
}

// prepare runs every PrepareConfig concurrently and reports every failure.
func (m *Manager[T]) prepare(ctx context.Context, consumers []Consumer[T], cfg T) error {
	errs := make([]error, len(consumers))

	var group errgroup.Group

	for i, consumer := range consumers {
		group.Go(func() error {
			errs[i] = consumer.PrepareConfig(ctx, cfg)

			return nil
		})
	}

	_ = group.Wait()

	var rejected UpdateRejectedError

	for i, err := range errs {
		if err != nil {
			rejected.Failures = append(rejected.Failures, ConsumerFailure{
				Consumer: consumers[i].Name(),
				Err:      err,
			})
		}
	}

	if len(rejected.Failures) == 0 {
		return nil
	}

	m.logger.Warn("config update rejected", zap.Strings("consumers", rejected.Consumers()))

	return &rejected
}

func (m *Manager[T]) rollback(consumers []Consumer[T]) {
	for _, consumer := range consumers {
		consumer.RollbackConfig()
	}
}
