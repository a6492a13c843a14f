package topology

import (
	"fmt"
	"regexp"
	"sort"
)

// ResolveAgent returns the cached record of an agent that a live worker
// tracks. Agents not yet seen, or whose worker is gone, yield ErrUnknownAgent.
func (c *CoordinatorHandler) ResolveAgent(id string) (AgentInfo, error) {
	if c.destroyed.Load() {
		return AgentInfo{}, ErrHandlerDestroyed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.agents[id]
	if !ok || !a.owned() {
		return AgentInfo{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return *a, nil
}

// ResolveAgents resolves a batch of ids. Unknown ids map to a zero record.
func (c *CoordinatorHandler) ResolveAgents(ids []string) (map[string]AgentInfo, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]AgentInfo, len(ids))
	for _, id := range ids {
		if a, ok := c.agents[id]; ok && a.owned() {
			out[id] = *a
		} else {
			out[id] = AgentInfo{}
		}
	}
	return out, nil
}

// ResolveCluster returns the tracked agents of one cluster, sorted by id.
func (c *CoordinatorHandler) ResolveCluster(cluster string) ([]AgentInfo, error) {
	return c.collectAgents(func(a *AgentInfo) bool { return a.Cluster == cluster })
}

// ResolveHost returns the tracked agent running on host.
func (c *CoordinatorHandler) ResolveHost(host string) (AgentInfo, error) {
	agents, err := c.collectAgents(func(a *AgentInfo) bool { return a.Host == host })
	if err != nil {
		return AgentInfo{}, err
	}
	if len(agents) == 0 {
		return AgentInfo{}, fmt.Errorf("%w: host %s", ErrUnknownAgent, host)
	}
	return agents[0], nil
}

// MatchClusters returns the sorted, distinct cluster names matching expr.
func (c *CoordinatorHandler) MatchClusters(expr string) ([]string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster pattern %q: %w", expr, err)
	}
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}

	c.mu.RLock()
	set := make(map[string]struct{})
	for _, a := range c.agents {
		if _, seen := set[a.Cluster]; !seen && a.owned() && re.MatchString(a.Cluster) {
			set[a.Cluster] = struct{}{}
		}
	}
	c.mu.RUnlock()

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Agents returns every cached agent record sorted by id.
func (c *CoordinatorHandler) Agents() []AgentInfo {
	out, _ := c.collectAgents(func(*AgentInfo) bool { return true })
	return out
}

func (c *CoordinatorHandler) collectAgents(match func(a *AgentInfo) bool) ([]AgentInfo, error) {
	if c.destroyed.Load() {
		return nil, ErrHandlerDestroyed
	}

	c.mu.RLock()
	var out []AgentInfo
	for _, a := range c.agents {
		if a.owned() && match(a) {
			out = append(out, *a)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
