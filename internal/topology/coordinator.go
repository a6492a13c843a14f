package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
)

// CoordinatorHandler owns the pool to one coordinator, the worker handlers
// discovered through it and the merged agent map.
type CoordinatorHandler struct {
	addr        string
	alertAction bool

	cfg    *HandlerConfig
	pool   PeerPool
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	workers     map[string]*WorkerHandler
	agents      map[string]*AgentInfo
	lastChg     int64
	lastResync  time.Time
	nextList    bool
	agentCheck  time.Time
	workerCheck time.Time

	destroyed atomic.Bool
}

// NewCoordinatorHandler creates the handler and its pool without dialing.
// In alert-action mode the pool registers as an alert-action client and no
// discovery runs.
func NewCoordinatorHandler(addr string, alertAction bool, cfg *HandlerConfig) (*CoordinatorHandler, error) {
	cfg.setDefaults()

	pool, err := cfg.NewPool(cfg.poolConfig(addr, protocol.PeerCoordinator, alertAction))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator pool for %s: %w", addr, err)
	}

	c := &CoordinatorHandler{
		addr:        addr,
		alertAction: alertAction,
		cfg:         cfg,
		pool:        pool,
		workers:     make(map[string]*WorkerHandler),
		agents:      make(map[string]*AgentInfo),
		logger: cfg.Logger.With().
			Str("component", "coordinator-handler").
			Str("addr", addr).
			Bool("alert_action", alertAction).
			Logger(),
	}
	return c, nil
}

// Addr returns the coordinator address.
func (c *CoordinatorHandler) Addr() string { return c.addr }

// Start connects the pool and runs the periodic loop.
func (c *CoordinatorHandler) Start(ctx context.Context) {
	if c.destroyed.Load() {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pool.Start(c.ctx)

	c.wg.Add(1)
	go c.loop()

	c.logger.Info().Dur("interval", c.cfg.CoordinatorInterval).Msg("Coordinator handler started")
}

// Close stops the loop, destroys the pool and every worker handler, and
// clears the agent map.
func (c *CoordinatorHandler) Close() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	err := c.pool.Close()

	c.mu.Lock()
	workers := make([]*WorkerHandler, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	for _, a := range c.agents {
		a.WorkerID = ""
	}
	c.workers = make(map[string]*WorkerHandler)
	c.agents = make(map[string]*AgentInfo)
	c.mu.Unlock()

	destroyWorkers(workers)
	c.updateGauges()

	c.logger.Info().Int("workers", len(workers)).Msg("Coordinator handler destroyed")
	return err
}

func destroyWorkers(workers []*WorkerHandler) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *WorkerHandler) {
			defer wg.Done()
			w.Close()
		}(w)
	}
	wg.Wait()
}

func (c *CoordinatorHandler) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CoordinatorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if c.alertAction {
				c.keepalive(now)
				continue
			}
			if err := c.discover(c.ctx, now); err != nil && c.ctx.Err() == nil {
				metrics.Get().IncDiscoveryErrors()
				c.logger.Error().Err(err).Msg("Failed to query coordinator for workers, will try later")
			}
		}
	}
}

// keepalive is the alert-action loop body: timeout sweep and pings only.
func (c *CoordinatorHandler) keepalive(now time.Time) {
	if !c.pool.IsConnAvailable() {
		c.logger.Info().Msg("No connections available")
		return
	}
	c.pool.CheckTimeouts(now)
	c.pool.SendPings(now)
}

// discover runs one discovery pass against the coordinator.
func (c *CoordinatorHandler) discover(ctx context.Context, now time.Time) error {
	if !c.pool.IsConnAvailable() {
		c.logger.Info().Msg("No connections available, will query for status later")
		return nil
	}
	c.pool.CheckTimeouts(now)

	c.mu.Lock()
	if now.Sub(c.lastResync) > coordinatorResyncInterval {
		c.lastChg = 0
		c.lastResync = now
	}
	lastChg, forced := c.lastChg, c.nextList
	c.mu.Unlock()

	changed, err := pingForChanges(ctx, c.pool, now, lastChg)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	if changed || forced {
		minChg := minChangeMarker(lastChg)
		resp, err := discoveryQuery(ctx, c.pool, listRequest{
			MType:   msgQuery,
			QType:   queryWorkerList,
			Options: listOptions{MinChgMsec: minChg, NodeFields: true},
		})
		if err != nil {
			return fmt.Errorf("worker listing failed: %w", err)
		}

		var list workerListResponse
		if err := resp.Decode(&list); err != nil {
			return err
		}
		c.applyWorkerList(&list, minChg, now)

		c.mu.Lock()
		if c.lastChg > 0 {
			c.nextList = !c.nextList
		}
		c.mu.Unlock()
	}

	c.pool.SendPings(now)
	return nil
}

// applyWorkerList merges a listing, then starts new worker handlers and
// destroys replaced or stale ones outside the lock.
func (c *CoordinatorHandler) applyWorkerList(resp *workerListResponse, minChg int64, now time.Time) {
	added, removed := c.handleWorkerList(resp, minChg, now)

	destroyWorkers(removed)
	if c.ctx != nil {
		for _, w := range added {
			w.Start(c.ctx)
		}
	}
	c.updateGauges()
}

// handleWorkerList merges one worker listing. It returns the handlers it
// created and the ones it unlinked; the caller starts and destroys them.
func (c *CoordinatorHandler) handleWorkerList(resp *workerListResponse, minChg int64, now time.Time) (added, removed []*WorkerHandler) {
	if c.alertAction || c.destroyed.Load() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if emptyListing(resp.NMad) {
		c.lastChg = resp.LastChgMsec
		if len(c.workers) > 0 {
			if minChg > 0 {
				c.lastChg = 0
				return nil, nil
			}
			c.logger.Warn().Int("workers", len(c.workers)).Msg("Coordinator returned an empty worker list, deleting all workers and agents")
			c.lastChg = 0
		}
		for _, w := range c.workers {
			removed = append(removed, w)
		}
		c.workers = make(map[string]*WorkerHandler)
		c.agents = make(map[string]*AgentInfo)
		return nil, removed
	}

	if resp.WorkerList == nil {
		return nil, nil
	}

	refresh := c.lastChg == 0

	for _, e := range resp.WorkerList {
		if e.NAgents == 0 || e.ID == "" || e.Host == "" {
			continue
		}

		if w, ok := c.workers[e.ID]; ok {
			if w.host == e.Host && w.port == e.Port {
				if refresh {
					w.touch(now)
				}
				continue
			}
			c.logger.Info().
				Str("worker_id", e.ID).
				Str("old_host", w.host).
				Int("old_port", w.port).
				Str("host", e.Host).
				Int("port", e.Port).
				Msg("Worker seen with a different host and port, replacing its handler")
			removed = append(removed, c.unlinkWorkerLocked(w))
		}

		w, err := newWorkerHandler(e.ID, e.Host, e.Port, c.cfg, c, now)
		if err != nil {
			c.logger.Error().Err(err).Str("worker_id", e.ID).Msg("Failed to create worker handler")
			continue
		}
		c.workers[e.ID] = w
		added = append(added, w)

		c.logger.Info().
			Str("worker_id", e.ID).
			Str("host", e.Host).
			Int("port", e.Port).
			Int64("agents", e.NAgents).
			Msg("Adding new worker")
	}

	if refresh && now.Sub(c.agentCheck) > staleCheckInterval {
		c.agentCheck = now
		cutoff := staleCutoff(now, len(c.agents), crowdedAgents)
		var n int64
		for id, a := range c.agents {
			if a.LastSeen.Before(cutoff) {
				c.logger.Info().
					Str("agent_id", id).
					Str("host", a.Host).
					Str("cluster", a.Cluster).
					Msg("Deleting agent not updated for a few days")
				delete(c.agents, id)
				n++
			}
		}
		metrics.Get().AddAgentsEvicted(n)
	}

	if refresh && now.Sub(c.workerCheck) > staleCheckInterval {
		c.workerCheck = now
		cutoff := staleCutoff(now, len(c.workers), crowdedWorkers)
		var n int64
		for _, w := range c.workers {
			if w.seenBefore(cutoff) {
				c.logger.Info().
					Str("worker_id", w.id).
					Str("host", w.host).
					Int("port", w.port).
					Msg("Deleting worker not updated for a few days")
				removed = append(removed, c.unlinkWorkerLocked(w))
				n++
			}
		}
		metrics.Get().AddWorkersEvicted(n)
	}

	c.lastChg = resp.LastChgMsec
	return added, removed
}

// unlinkWorkerLocked removes w from the worker map and severs the agents'
// references to it. Caller holds c.mu and destroys w afterwards.
func (c *CoordinatorHandler) unlinkWorkerLocked(w *WorkerHandler) *WorkerHandler {
	delete(c.workers, w.id)
	for _, a := range c.agents {
		if a.WorkerID == w.id {
			a.WorkerID = ""
		}
	}
	return w
}

// mergeAgents applies one worker's agent listing. Listings from a worker
// no longer in the map are ignored. It returns the number of agents added
// or changed.
func (c *CoordinatorHandler) mergeAgents(w *WorkerHandler, entries []agentEntry, refresh bool, now time.Time) int {
	c.mu.Lock()
	defer func() {
		n := len(c.agents)
		c.mu.Unlock()
		metrics.Get().SetAgentsKnown(int64(n))
	}()

	if c.workers[w.id] != w {
		return 0
	}

	n := 0
	for _, e := range entries {
		if e.ID == "" || e.Host == "" {
			continue
		}

		if a, ok := c.agents[e.ID]; ok {
			if a.Host == e.Host && a.WorkerID == w.id && a.Cluster == e.Cluster {
				if refresh {
					a.LastSeen = now
				}
				continue
			}
			w.logger.Info().
				Str("agent_id", e.ID).
				Str("host", e.Host).
				Str("cluster", e.Cluster).
				Msg("Change in agent")
		} else {
			w.logger.Info().
				Str("agent_id", e.ID).
				Str("host", e.Host).
				Str("cluster", e.Cluster).
				Msg("Adding new agent")
		}

		c.agents[e.ID] = &AgentInfo{
			ID:       e.ID,
			Host:     e.Host,
			Cluster:  e.Cluster,
			WorkerID: w.id,
			LastSeen: now,
		}
		n++
	}
	return n
}

// dropWorkerAgents deletes every agent owned by w.
func (c *CoordinatorHandler) dropWorkerAgents(w *WorkerHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workers[w.id] != w {
		return 0
	}
	n := 0
	for id, a := range c.agents {
		if a.WorkerID == w.id {
			delete(c.agents, id)
			n++
		}
	}
	return n
}

func (c *CoordinatorHandler) updateGauges() {
	c.mu.RLock()
	nw, na := len(c.workers), len(c.agents)
	c.mu.RUnlock()

	m := metrics.Get()
	m.SetWorkersKnown(int64(nw))
	m.SetAgentsKnown(int64(na))
}

// IsReachable reports whether the coordinator pool has a registered connection.
func (c *CoordinatorHandler) IsReachable() bool {
	return !c.destroyed.Load() && c.pool.IsConnAvailable()
}

// Query sends a request to the coordinator and waits for the response.
func (c *CoordinatorHandler) Query(ctx context.Context, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}
	return c.pool.Query(ctx, body, c.cfg.queryOptions(opts))
}

// Worker returns the handler for a worker id.
func (c *CoordinatorHandler) Worker(id string) (*WorkerHandler, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}
	c.mu.RLock()
	w, ok := c.workers[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

// WorkerForAgent returns the handler of the worker tracking an agent.
func (c *CoordinatorHandler) WorkerForAgent(agentID string) (*WorkerHandler, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.agents[agentID]
	if !ok || !a.owned() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	w, ok := c.workers[a.WorkerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s owning agent %s", ErrUnknownWorker, a.WorkerID, agentID)
	}
	return w, nil
}

// Workers returns the worker handlers sorted by id.
func (c *CoordinatorHandler) Workers() []*WorkerHandler {
	c.mu.RLock()
	out := make([]*WorkerHandler, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Counts returns the number of known workers and agents.
func (c *CoordinatorHandler) Counts() (workers, agents int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers), len(c.agents)
}

// Stats returns handler statistics including the pool's.
func (c *CoordinatorHandler) Stats() map[string]interface{} {
	nw, na := c.Counts()
	c.mu.RLock()
	lastChg := c.lastChg
	c.mu.RUnlock()

	return map[string]interface{}{
		"addr":         c.addr,
		"alert_action": c.alertAction,
		"reachable":    c.IsReachable(),
		"peer_id":      c.pool.PeerID(),
		"workers":      nw,
		"agents":       na,
		"lastchgmsec":  lastChg,
		"destroyed":    c.destroyed.Load(),
		"pool":         c.pool.Stats(),
	}
}
