package topology

import (
	"context"

	"github.com/Gyeeta/nodewebserver/internal/comm"
)

// The methods below are the dispatch API for the gateway's collaborators.
// Each resolves the active coordinator handler at call time, so a call
// racing a failover fails with ErrHandlerDestroyed rather than reaching a
// stale peer.

// IsReachable reports whether the active coordinator has a registered connection.
func (r *Root) IsReachable() bool {
	return r.Coordinator().IsReachable()
}

// QueryCoordinator sends a request to the active coordinator.
func (r *Root) QueryCoordinator(ctx context.Context, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	return r.Coordinator().Query(ctx, body, opts)
}

// QueryWorker sends a request to one worker by id.
func (r *Root) QueryWorker(ctx context.Context, workerID string, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	w, err := r.Coordinator().Worker(workerID)
	if err != nil {
		return nil, err
	}
	return w.Query(ctx, body, opts)
}

// QueryAgentWorker sends a request to the worker tracking agentID.
func (r *Root) QueryAgentWorker(ctx context.Context, agentID string, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	w, err := r.Coordinator().WorkerForAgent(agentID)
	if err != nil {
		return nil, err
	}
	return w.Query(ctx, body, opts)
}

// SendToAllWorkers fans a request out to every, or the selected, workers.
func (r *Root) SendToAllWorkers(ctx context.Context, body []byte, opts FanoutOptions) ([]WorkerResponse, error) {
	return r.Coordinator().SendToAllWorkers(ctx, body, opts)
}

// ResolveAgent looks up an agent in the cached topology.
func (r *Root) ResolveAgent(id string) (AgentInfo, error) {
	return r.Coordinator().ResolveAgent(id)
}

// ResolveAgents looks up many agents; unknown ids map to a zero record.
func (r *Root) ResolveAgents(ids []string) (map[string]AgentInfo, error) {
	return r.Coordinator().ResolveAgents(ids)
}

// ResolveCluster returns the agents of one cluster.
func (r *Root) ResolveCluster(cluster string) ([]AgentInfo, error) {
	return r.Coordinator().ResolveCluster(cluster)
}

// ResolveHost returns the agent running on host.
func (r *Root) ResolveHost(host string) (AgentInfo, error) {
	return r.Coordinator().ResolveHost(host)
}

// MatchClusters returns the cluster names matching a regular expression.
func (r *Root) MatchClusters(expr string) ([]string, error) {
	return r.Coordinator().MatchClusters(expr)
}

// RegisterInbound installs the handler for a peer-initiated request kind.
func (r *Root) RegisterInbound(kind comm.InboundKind, h comm.InboundHandler) error {
	return r.cfg.Handler.Dispatcher.RegisterInbound(kind, h)
}

// RegisterEvent installs the handler for a peer event kind.
func (r *Root) RegisterEvent(kind comm.EventKind, h comm.EventHandler) error {
	return r.cfg.Handler.Dispatcher.RegisterEvent(kind, h)
}
