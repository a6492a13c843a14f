package topology

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultFailoverCheckInterval is how often the root checks the active coordinator.
	DefaultFailoverCheckInterval = 60 * time.Second
	// DefaultFailoverUnreachable is how long the active coordinator may be unreachable.
	DefaultFailoverUnreachable = 5 * time.Minute
	// DefaultStartupGrace shortens the threshold until the first successful connect.
	DefaultStartupGrace = 2 * time.Minute
)

// RootConfig holds configuration for the topology root.
type RootConfig struct {
	// Candidates are coordinator host:port addresses in failover order
	Candidates []string

	// AlertAction builds alert-action coordinator handlers
	AlertAction bool

	// Handler configures every coordinator and worker handler
	Handler HandlerConfig

	FailoverCheckInterval time.Duration
	FailoverUnreachable   time.Duration
	StartupGrace          time.Duration

	Logger zerolog.Logger
}

// Root owns the single active coordinator handler and fails over to the
// next candidate when it stays unreachable.
type Root struct {
	cfg        *RootConfig
	instanceID string
	logger     zerolog.Logger

	mu       sync.RWMutex
	idx      int
	active   *CoordinatorHandler
	lastConn time.Time
	first    bool
	nchanges int64

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
}

// ValidateCandidate checks that addr is host:port with a numeric port.
func ValidateCandidate(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCandidate, addr, err)
	}
	if host == "" {
		return fmt.Errorf("%w %q: empty host", ErrInvalidCandidate, addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("%w %q: bad port", ErrInvalidCandidate, addr)
	}
	return nil
}

// NewRoot validates the candidates and creates the handler for the first one.
func NewRoot(cfg *RootConfig) (*Root, error) {
	if len(cfg.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	for _, addr := range cfg.Candidates {
		if err := ValidateCandidate(addr); err != nil {
			return nil, err
		}
	}
	if cfg.FailoverCheckInterval <= 0 {
		cfg.FailoverCheckInterval = DefaultFailoverCheckInterval
	}
	if cfg.FailoverUnreachable <= 0 {
		cfg.FailoverUnreachable = DefaultFailoverUnreachable
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	cfg.Handler.Logger = cfg.Logger
	if cfg.Handler.Dispatcher == nil {
		cfg.Handler.Dispatcher = comm.NewDispatcher(cfg.Logger)
	}

	active, err := NewCoordinatorHandler(cfg.Candidates[0], cfg.AlertAction, &cfg.Handler)
	if err != nil {
		return nil, err
	}

	r := &Root{
		cfg:        cfg,
		instanceID: uuid.New().String(),
		logger:     cfg.Logger.With().Str("component", "topology-root").Logger(),
		active:     active,
		lastConn:   time.Now(),
		first:      true,
	}

	r.logger.Info().
		Str("instance_id", r.instanceID).
		Int("candidates", len(cfg.Candidates)).
		Bool("alert_action", cfg.AlertAction).
		Msg("Initialized topology root")
	return r, nil
}

// Start connects to the first candidate and, with more than one candidate,
// schedules the failover check.
func (r *Root) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	active := r.active
	r.mu.Unlock()

	active.Start(r.ctx)

	if len(r.cfg.Candidates) > 1 {
		r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		schedule := fmt.Sprintf("@every %s", r.cfg.FailoverCheckInterval)
		if _, err := r.cron.AddFunc(schedule, func() { r.CheckFailover(time.Now()) }); err != nil {
			return fmt.Errorf("failed to schedule failover check: %w", err)
		}
		r.cron.Start()
	}

	r.logger.Info().
		Str("coordinator", active.Addr()).
		Dur("failover_check", r.cfg.FailoverCheckInterval).
		Msg("Topology root started")
	return nil
}

// Close stops failover checks and destroys the active coordinator handler.
func (r *Root) Close() error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	active := r.active
	r.mu.Unlock()

	err := active.Close()
	r.logger.Info().Msg("Topology root destroyed")
	return err
}

// CheckFailover records reachability of the active coordinator and, once
// it has been unreachable past the threshold, replaces it with a handler
// for the next candidate. It reports whether a failover happened.
func (r *Root) CheckFailover(now time.Time) bool {
	r.mu.Lock()

	old := r.active
	if old.IsReachable() {
		r.lastConn = now
		r.first = false
		r.mu.Unlock()
		return false
	}

	down := now.Sub(r.lastConn)
	due := down >= r.cfg.FailoverUnreachable || (r.first && down >= r.cfg.StartupGrace)
	if !due {
		r.mu.Unlock()
		r.logger.Info().Dur("elapsed", down).Msg("No coordinator connections available")
		return false
	}

	n := len(r.cfg.Candidates)
	if n == 1 {
		r.mu.Unlock()
		return false
	}

	next := (r.idx + 1) % n
	handler, err := NewCoordinatorHandler(r.cfg.Candidates[next], r.cfg.AlertAction, &r.cfg.Handler)
	if err != nil {
		r.mu.Unlock()
		r.logger.Error().Err(err).Str("next", r.cfg.Candidates[next]).Msg("Failed to create coordinator handler")
		return false
	}

	r.logger.Info().
		Str("current", r.cfg.Candidates[r.idx]).
		Str("next", r.cfg.Candidates[next]).
		Dur("elapsed", down).
		Msg("Coordinator not connected, failing over to next candidate")

	r.idx = next
	r.nchanges++
	r.lastConn = now
	r.active = handler
	ctx := r.ctx
	r.mu.Unlock()

	old.Close()
	if ctx != nil {
		handler.Start(ctx)
	}

	metrics.Get().IncFailovers()
	return true
}

// Coordinator returns the active coordinator handler.
func (r *Root) Coordinator() *CoordinatorHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// InstanceID identifies this gateway process.
func (r *Root) InstanceID() string { return r.instanceID }

// Stats returns root statistics including the active handler's.
func (r *Root) Stats() map[string]interface{} {
	r.mu.RLock()
	idx, nchanges, lastConn, active := r.idx, r.nchanges, r.lastConn, r.active
	r.mu.RUnlock()

	return map[string]interface{}{
		"instance_id":    r.instanceID,
		"candidates":     r.cfg.Candidates,
		"current_index":  idx,
		"failovers":      nchanges,
		"last_connected": lastConn,
		"alert_action":   r.cfg.AlertAction,
		"coordinator":    active.Stats(),
	}
}

// Snapshot is a point-in-time view of the cached topology.
type Snapshot struct {
	InstanceID     string       `json:"instance_id" msgpack:"instance_id"`
	Coordinator    string       `json:"coordinator" msgpack:"coordinator"`
	CandidateIndex int          `json:"candidate_index" msgpack:"candidate_index"`
	Candidates     []string     `json:"candidates" msgpack:"candidates"`
	AlertAction    bool         `json:"alert_action" msgpack:"alert_action"`
	Reachable      bool         `json:"reachable" msgpack:"reachable"`
	Failovers      int64        `json:"failovers" msgpack:"failovers"`
	Workers        []WorkerInfo `json:"workers" msgpack:"workers"`
	Agents         []AgentInfo  `json:"agents" msgpack:"agents"`
	GeneratedAt    time.Time    `json:"generated_at" msgpack:"generated_at"`
}

// Snapshot captures the active coordinator's workers and agents.
func (r *Root) Snapshot() *Snapshot {
	r.mu.RLock()
	idx, nchanges, active := r.idx, r.nchanges, r.active
	r.mu.RUnlock()

	workers := active.Workers()
	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.Info())
	}

	agents := active.Agents()
	if agents == nil {
		agents = []AgentInfo{}
	}

	return &Snapshot{
		InstanceID:     r.instanceID,
		Coordinator:    active.Addr(),
		CandidateIndex: idx,
		Candidates:     r.cfg.Candidates,
		AlertAction:    r.cfg.AlertAction,
		Reachable:      active.IsReachable(),
		Failovers:      nchanges,
		Workers:        infos,
		Agents:         agents,
		GeneratedAt:    time.Now().UTC(),
	}
}
