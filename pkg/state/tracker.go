// Package state tracks what the gateway is connected to and how it is used.
package state

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

// ConsumerName is the name the tracker registers under with the config manager.
const ConsumerName = "SystemStateTracker"

type trackedServer struct {
	server         config.TargetServer
	status         Status
	missingEnvVars []string
	err            string
	tools          []mcp.Tool
	toolUsage      map[string]*Usage
	usage          Usage
}

type metrics struct {
	servers   *prometheus.GaugeVec
	toolCalls *prometheus.CounterVec
	version   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "target_servers",
			Help:      "Number of target servers by connection status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "tool_calls_total",
			Help:      "Tool calls forwarded to target servers.",
		}, []string{"service", "outcome"}),
		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "config_version",
			Help:      "Version of the committed gateway configuration.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.servers, m.toolCalls, m.version)
	}

	return m
}

// Tracker records the system state.
type Tracker struct {
	logger  *zap.Logger
	clock   func() time.Time
	metrics *metrics

	mu          sync.RWMutex
	servers     map[string]*trackedServer
	usage       Usage
	configError string
	summary     ConfigSummary
	updatedAt   time.Time

	pending  *ConfigSummary
	previous *ConfigSummary
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithRegisterer registers the tracker's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		t.metrics = newMetrics(reg)
	}
}

// NewTracker returns an empty Tracker.
func NewTracker(logger *zap.Logger, opts ...Option) *Tracker {
	tracker := &Tracker{
		logger:  logger.Named("state"),
		clock:   time.Now,
		servers: make(map[string]*trackedServer),
	}

	for _, opt := range opts {
		opt(tracker)
	}

	if tracker.metrics == nil {
		tracker.metrics = newMetrics(nil)
	}

	tracker.updatedAt = tracker.clock()

	return tracker
}

// RecordTargetServerConnection records the state of a server, keeping its
// usage counters.
func (t *Tracker) RecordTargetServerConnection(conn ServerConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := conn.Server.Key()

	tracked, ok := t.servers[key]
	if !ok {
		tracked = &trackedServer{toolUsage: make(map[string]*Usage)}
		t.servers[key] = tracked
	}

	tracked.server = conn.Server.Clone()
	tracked.status = conn.Status
	tracked.missingEnvVars = slices.Clone(conn.MissingEnvVars)
	tracked.err = conn.Error

	if conn.Status == StatusConnected {
		tracked.tools = slices.Clone(conn.Tools)
	} else {
		tracked.tools = nil
	}

	t.touch()
}

// RecordTargetServerDisconnected forgets a server.
func (t *Tracker) RecordTargetServerDisconnected(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.servers, config.NormalizeName(name))
	t.touch()
}

// UpdateTargetServerTools replaces the tool listing of a server.
func (t *Tracker) UpdateTargetServerTools(name string, tools []mcp.Tool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.servers[config.NormalizeName(name)]
	if !ok {
		t.logger.Debug("tools updated for unknown server", zap.String("server", name))

		return
	}

	tracked.tools = slices.Clone(tools)
	t.touch()
}

// RecordToolCall counts a call of tool on service.
func (t *Tracker) RecordToolCall(service, tool string, callErr error) {
	outcome := "success"
	if callErr != nil {
		outcome = "error"
	}

	t.metrics.toolCalls.WithLabelValues(config.NormalizeName(service), outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.usage.increment(now)

	tracked, ok := t.servers[config.NormalizeName(service)]
	if !ok {
		return
	}

	tracked.usage.increment(now)

	usage, ok := tracked.toolUsage[tool]
	if !ok {
		usage = &Usage{}
		tracked.toolUsage[tool] = usage
	}

	usage.increment(now)
}

// SetConfigError records a configuration problem found while loading.
func (t *Tracker) SetConfigError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.configError = message
	t.touch()
}

// ClearConfigError clears a recorded configuration problem.
func (t *Tracker) ClearConfigError() {
	t.SetConfigError("")
}

// RecordConfigVersion records the version of the committed configuration.
func (t *Tracker) RecordConfigVersion(version int) {
	t.metrics.version.Set(float64(version))

	t.mu.Lock()
	defer t.mu.Unlock()

	t.summary.Version = version
	t.touch()
}

// Snapshot returns a copy of the tracked state sorted by server name.
func (t *Tracker) Snapshot() SystemState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	servers := make([]TargetServer, 0, len(t.servers))

	for _, tracked := range t.servers {
		tools := make([]Tool, 0, len(tracked.tools))
		for _, tool := range tracked.tools {
			entry := Tool{Name: tool.Name, Description: tool.Description}
			if usage, ok := tracked.toolUsage[tool.Name]; ok {
				entry.Usage = *usage
			}

			tools = append(tools, entry)
		}

		servers = append(servers, TargetServer{
			Name:           tracked.server.Name,
			Type:           tracked.server.ServerType(),
			Status:         tracked.status,
			MissingEnvVars: slices.Clone(tracked.missingEnvVars),
			Error:          tracked.err,
			Tools:          tools,
			Usage:          tracked.usage,
		})
	}

	sort.Slice(servers, func(i, j int) bool {
		return config.NormalizeName(servers[i].Name) < config.NormalizeName(servers[j].Name)
	})

	return SystemState{
		TargetServers: servers,
		Usage:         t.usage,
		Config: ConfigSummary{
			Version:    t.summary.Version,
			ToolGroups: slices.Clone(t.summary.ToolGroups),
			Consumers:  slices.Clone(t.summary.Consumers),
		},
		ConfigError:   t.configError,
		LastUpdatedAt: t.updatedAt,
	}
}

// Name implements configmanager.Consumer.
func (t *Tracker) Name() string {
	return ConsumerName
}

// PrepareConfig stages the summary of cfg.
func (t *Tracker) PrepareConfig(_ context.Context, cfg config.Config) error {
	groups := make([]string, 0, len(cfg.ToolGroups))
	for _, group := range cfg.ToolGroups {
		groups = append(groups, group.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = &ConfigSummary{
		ToolGroups: groups,
		Consumers:  cfg.Permissions.ConsumerNames(),
	}
	t.previous = nil

	return nil
}

// CommitConfig publishes the staged summary.
func (t *Tracker) CommitConfig(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return nil
	}

	previous := t.summary
	t.previous = &previous
	t.summary.ToolGroups = t.pending.ToolGroups
	t.summary.Consumers = t.pending.Consumers
	t.pending = nil
	t.touch()

	return nil
}

// RollbackConfig drops the staged summary and undoes a commit of the same
// transaction.
func (t *Tracker) RollbackConfig() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = nil

	if t.previous != nil {
		t.summary = *t.previous
		t.previous = nil
	}
}

// touch updates the timestamp and status gauges; callers hold mu.
func (t *Tracker) touch() {
	t.updatedAt = t.clock()

	counts := make(map[Status]int, len(Statuses))
	for _, tracked := range t.servers {
		counts[tracked.status]++
	}

	for _, status := range Statuses {
		t.metrics.servers.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
