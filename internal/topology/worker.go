package topology

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
)

// WorkerHandler owns the pool to one worker and keeps the coordinator's
// agent map current for the agents that worker tracks.
type WorkerHandler struct {
	id   string
	host string
	port int

	cfg    *HandlerConfig
	pool   PeerPool
	owner  *CoordinatorHandler
	logger zerolog.Logger

	mu         sync.Mutex
	lastChg    int64
	lastResync time.Time
	nextList   bool

	lastSeen  atomic.Int64
	destroyed atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newWorkerHandler(id, host string, port int, cfg *HandlerConfig, owner *CoordinatorHandler, now time.Time) (*WorkerHandler, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	pool, err := cfg.NewPool(cfg.poolConfig(addr, protocol.PeerWorker, false))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for worker %s: %w", id, err)
	}

	w := &WorkerHandler{
		id:    id,
		host:  host,
		port:  port,
		cfg:   cfg,
		pool:  pool,
		owner: owner,
		logger: cfg.Logger.With().
			Str("component", "worker-handler").
			Str("worker_id", id).
			Str("addr", addr).
			Logger(),
	}
	w.lastSeen.Store(now.UnixNano())
	return w, nil
}

// ID returns the worker id.
func (w *WorkerHandler) ID() string { return w.id }

// Start connects the pool and runs the discovery loop until ctx is done
// or the handler is closed.
func (w *WorkerHandler) Start(ctx context.Context) {
	if w.destroyed.Load() {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.pool.Start(ctx)

	w.wg.Add(1)
	go w.discoveryLoop(ctx)
}

// Close stops discovery and destroys the pool. Pending queries are rejected.
func (w *WorkerHandler) Close() error {
	if !w.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	err := w.pool.Close()
	w.logger.Info().Msg("Worker handler destroyed")
	return err
}

func (w *WorkerHandler) discoveryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := w.discover(ctx, now); err != nil && ctx.Err() == nil {
				metrics.Get().IncDiscoveryErrors()
				w.logger.Error().Err(err).Msg("Failed to query worker for its agents, will try later")
			}
		}
	}
}

// discover runs one pass: ping with the cached change marker, then fetch
// the agent listing if the worker reports newer changes or a listing is due.
func (w *WorkerHandler) discover(ctx context.Context, now time.Time) error {
	if !w.pool.IsConnAvailable() {
		w.logger.Info().Msg("No connections available, will query for status later")
		return nil
	}
	w.pool.CheckTimeouts(now)

	w.mu.Lock()
	if now.Sub(w.lastResync) > workerResyncInterval {
		w.lastChg = 0
		w.lastResync = now
	}
	lastChg, forced := w.lastChg, w.nextList
	w.mu.Unlock()

	changed, err := pingForChanges(ctx, w.pool, now, lastChg)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	if changed || forced {
		minChg := minChangeMarker(lastChg)
		resp, err := discoveryQuery(ctx, w.pool, listRequest{
			MType:   msgQuery,
			QType:   queryHostState,
			Options: listOptions{MinChgMsec: minChg},
		})
		if err != nil {
			return fmt.Errorf("agent listing failed: %w", err)
		}

		var list agentListResponse
		if err := resp.Decode(&list); err != nil {
			return err
		}
		w.handleAgentList(&list, minChg, now)

		w.mu.Lock()
		if w.lastChg > 0 {
			w.nextList = !w.nextList
		}
		w.mu.Unlock()
	}

	w.pool.SendPings(now)
	return nil
}

// handleAgentList merges one listing into the owner's agent map. An empty
// listing after a marker-scoped request only resets the marker; after a
// full request it drops every agent this worker tracked.
func (w *WorkerHandler) handleAgentList(resp *agentListResponse, minChg int64, now time.Time) {
	w.mu.Lock()
	refresh := w.lastChg == 0
	w.mu.Unlock()

	if emptyListing(resp.NMad) {
		if minChg == 0 && w.owner != nil {
			if n := w.owner.dropWorkerAgents(w); n > 0 {
				w.logger.Info().Int("agents", n).Msg("Worker returned an empty agent list, dropping its agents")
			}
		}
		w.setLastChg(0)
		return
	}

	if resp.HostState == nil {
		return
	}

	if w.owner != nil {
		w.owner.mergeAgents(w, resp.HostState, refresh, now)
	}
	w.setLastChg(resp.LastChgMsec)
}

func (w *WorkerHandler) setLastChg(v int64) {
	w.mu.Lock()
	w.lastChg = v
	w.mu.Unlock()
}

// Query sends a request to the worker and waits for the response.
func (w *WorkerHandler) Query(ctx context.Context, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	if w.destroyed.Load() {
		return nil, fmt.Errorf("worker %s: %w", w.id, ErrHandlerDestroyed)
	}
	return w.pool.Query(ctx, body, w.cfg.queryOptions(opts))
}

// IsReachable reports whether the worker pool has a registered connection.
func (w *WorkerHandler) IsReachable() bool {
	return !w.destroyed.Load() && w.pool.IsConnAvailable()
}

func (w *WorkerHandler) touch(now time.Time) { w.lastSeen.Store(now.UnixNano()) }

func (w *WorkerHandler) seenBefore(t time.Time) bool { return w.lastSeen.Load() < t.UnixNano() }

// Info returns the worker's identity and state.
func (w *WorkerHandler) Info() WorkerInfo {
	w.mu.Lock()
	lastChg := w.lastChg
	w.mu.Unlock()

	return WorkerInfo{
		ID:          w.id,
		Host:        w.host,
		Port:        w.port,
		Reachable:   w.IsReachable(),
		PeerVersion: w.pool.PeerVersion(),
		LastChgMsec: lastChg,
		LastSeen:    time.Unix(0, w.lastSeen.Load()),
	}
}

// Stats returns handler statistics including the pool's.
func (w *WorkerHandler) Stats() map[string]interface{} {
	info := w.Info()
	return map[string]interface{}{
		"id":          info.ID,
		"host":        info.Host,
		"port":        info.Port,
		"reachable":   info.Reachable,
		"lastchgmsec": info.LastChgMsec,
		"last_seen":   info.LastSeen,
		"destroyed":   w.destroyed.Load(),
		"pool":        w.pool.Stats(),
	}
}
