package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// FanoutOptions control a query sent to many workers.
type FanoutOptions struct {
	// WorkerIDs restricts the fan-out; empty means every worker
	WorkerIDs []string

	// FailFast fails the whole fan-out on the first worker error. Otherwise
	// only the successful responses are returned.
	FailFast bool

	Query comm.QueryOptions
}

// WorkerResponse is one worker's answer in a fan-out.
type WorkerResponse struct {
	WorkerID string
	Response *comm.Response
}

// fanoutTargets returns the reachable workers named by ids, or all
// reachable workers when ids is empty. Unknown ids are skipped.
func (c *CoordinatorHandler) fanoutTargets(ids []string) []*WorkerHandler {
	var candidates []*WorkerHandler
	if len(ids) == 0 {
		candidates = c.Workers()
	} else {
		c.mu.RLock()
		for _, id := range ids {
			if w, ok := c.workers[id]; ok {
				candidates = append(candidates, w)
			}
		}
		c.mu.RUnlock()
	}

	out := candidates[:0]
	for _, w := range candidates {
		if w.IsReachable() {
			out = append(out, w)
		}
	}
	return out
}

// SendToAllWorkers sends body to every selected worker in parallel.
// Results are ordered like the targets: by worker id, or by the order of
// opts.WorkerIDs.
func (c *CoordinatorHandler) SendToAllWorkers(ctx context.Context, body []byte, opts FanoutOptions) ([]WorkerResponse, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}

	targets := c.fanoutTargets(opts.WorkerIDs)
	if len(targets) == 0 {
		return nil, ErrNoWorkersAvailable
	}

	m := metrics.Get()
	m.IncFanouts()

	results := make([]*WorkerResponse, len(targets))

	if opts.FailFast {
		g, gctx := errgroup.WithContext(ctx)
		for i, w := range targets {
			i, w := i, w
			g.Go(func() error {
				resp, err := w.Query(gctx, body, opts.Query)
				if err != nil {
					return fmt.Errorf("worker %s: %w", w.id, err)
				}
				results[i] = &WorkerResponse{WorkerID: w.id, Response: resp}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			m.IncFanoutFailures()
			return nil, err
		}
	} else {
		var wg sync.WaitGroup
		for i, w := range targets {
			wg.Add(1)
			go func(i int, w *WorkerHandler) {
				defer wg.Done()
				resp, err := w.Query(ctx, body, opts.Query)
				if err != nil {
					c.logger.Debug().Err(err).Str("worker_id", w.id).Msg("Dropping failed worker response")
					return
				}
				results[i] = &WorkerResponse{WorkerID: w.id, Response: resp}
			}(i, w)
		}
		wg.Wait()
	}

	out := make([]WorkerResponse, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
