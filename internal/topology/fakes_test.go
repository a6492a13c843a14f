package topology

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakePool answers queries from a reply function instead of a network peer.
type fakePool struct {
	cfg *comm.PoolConfig

	mu        sync.Mutex
	available bool
	started   bool
	closed    bool
	requests  []map[string]interface{}
	reply     func(req map[string]interface{}) (string, error)
	pings     int
	sweeps    int
}

func (p *fakePool) Start(context.Context) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.available = false
	p.mu.Unlock()
	return nil
}

func (p *fakePool) Query(ctx context.Context, body []byte, opts comm.QueryOptions) (*comm.Response, error) {
	var req map[string]interface{}
	_ = json.Unmarshal(body, &req)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	closed, reply := p.closed, p.reply
	p.mu.Unlock()

	if closed {
		return nil, comm.ErrPoolClosed
	}
	if reply == nil {
		return nil, comm.ErrNoConnections
	}
	out, err := reply(req)
	if err != nil {
		return nil, err
	}
	return &comm.Response{Code: protocol.CodeSuccess, Chunks: [][]byte{[]byte(out)}}, nil
}

func (p *fakePool) IsConnAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *fakePool) SendPings(time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	return 1
}

func (p *fakePool) CheckTimeouts(time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweeps++
	return 0
}

func (p *fakePool) PeerID() string      { return "fakepeer" }
func (p *fakePool) PeerVersion() uint32 { return 0x000200 }
func (p *fakePool) Addr() string        { return p.cfg.Addr }

func (p *fakePool) Stats() map[string]interface{} {
	return map[string]interface{}{"addr": p.cfg.Addr}
}

func (p *fakePool) setAvailable(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

func (p *fakePool) setReply(fn func(req map[string]interface{}) (string, error)) {
	p.mu.Lock()
	p.reply = fn
	p.mu.Unlock()
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePool) sent() []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]interface{}(nil), p.requests...)
}

// listings returns the listing requests sent, skipping pings.
func (p *fakePool) listings() []map[string]interface{} {
	var out []map[string]interface{}
	for _, req := range p.sent() {
		if req["mtype"] == float64(msgQuery) {
			out = append(out, req)
		}
	}
	return out
}

// fakePools is a PoolFactory that records every pool it builds by address.
type fakePools struct {
	mu    sync.Mutex
	pools map[string]*fakePool
	all   []*fakePool
}

func newFakePools() *fakePools {
	return &fakePools{pools: make(map[string]*fakePool)}
}

func (f *fakePools) factory(cfg *comm.PoolConfig) (PeerPool, error) {
	p := &fakePool{cfg: cfg, available: true}
	f.mu.Lock()
	f.pools[cfg.Addr] = p
	f.all = append(f.all, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePools) get(addr string) *fakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[addr]
}

func testHandlerConfig(pools *fakePools) *HandlerConfig {
	return &HandlerConfig{
		NewPool:    pools.factory,
		Dispatcher: comm.NewDispatcher(zerolog.Nop()),
		Logger:     zerolog.Nop(),
	}
}

func newTestCoordinator(t *testing.T, pools *fakePools) (*CoordinatorHandler, *fakePool) {
	t.Helper()
	c, err := NewCoordinatorHandler("coord-a:10038", false, testHandlerConfig(pools))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, pools.get("coord-a:10038")
}

// peerReply answers pings with a fixed change marker and listings with body.
func peerReply(marker int64, listing string) func(map[string]interface{}) (string, error) {
	return func(req map[string]interface{}) (string, error) {
		if req["mtype"] == float64(msgPing) {
			b, _ := json.Marshal(pingResponse{LastChgMsec: marker})
			return string(b), nil
		}
		return listing, nil
	}
}

func workerListing(marker int64, entries ...workerEntry) *workerListResponse {
	n := int64(len(entries))
	return &workerListResponse{NMad: &n, WorkerList: entries, LastChgMsec: marker}
}

func agentListing(marker int64, entries ...agentEntry) *agentListResponse {
	n := int64(len(entries))
	return &agentListResponse{NMad: &n, HostState: entries, LastChgMsec: marker}
}

// addWorker merges a single-worker listing and returns the new handler.
func addWorker(t *testing.T, c *CoordinatorHandler, id, host string, port int, now time.Time) *WorkerHandler {
	t.Helper()
	c.applyWorkerList(workerListing(0, workerEntry{ID: id, Host: host, Port: port, NAgents: 1}), 0, now)
	w, err := c.Worker(id)
	require.NoError(t, err)
	return w
}
