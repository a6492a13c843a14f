package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// MaxPoolConns is the largest pool size.
	MaxPoolConns = 64

	// Light admission tier: a connection that is nearly idle.
	LightMaxPending = 5
	LightMaxBytes   = 32 << 10

	// Relaxed admission tier: anything under the hard limits.
	RelaxedMaxPending = MaxMultiplex
	RelaxedMaxBytes   = MaxPendingWriteBytes
)

// PoolConfig holds configuration for a connection pool.
type PoolConfig struct {
	// Addr is the peer's host:port
	Addr string

	// Class of every connection in the pool
	Class protocol.PeerClass

	// NumConns is the number of parallel connections (1..MaxPoolConns)
	NumConns int

	// AlertAction registers coordinator connections as alert-action connections
	AlertAction bool

	// SelfHost and SelfPort are announced during registration
	SelfHost string
	SelfPort uint32

	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration

	// TimeoutLeeway multiplies each request's timeout before the sweep rejects it
	TimeoutLeeway float64

	// SweepInterval gates how often Maintain runs the timeout sweep per connection
	SweepInterval time.Duration

	// IdlePing is how long a connection may stay silent before Maintain pings it
	IdlePing time.Duration

	// Dispatcher handles peer-initiated traffic on every connection
	Dispatcher *Dispatcher

	// Logger for pool events
	Logger zerolog.Logger
}

// Pool is a fixed set of connections to one peer. Requests go to the next
// connection after the last one used that passes admission: first the
// light tier, then the relaxed tier.
type Pool struct {
	cfg    *PoolConfig
	conns  []*Conn
	logger zerolog.Logger

	mu          sync.Mutex
	valid       []bool
	lastIdx     int
	peerID      string
	peerVersion uint32

	started   atomic.Bool
	closed    atomic.Bool
	nrejected atomic.Int64
}

// NewPool creates the pool's connections without dialing.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg.NumConns < 1 || cfg.NumConns > MaxPoolConns {
		return nil, fmt.Errorf("%w: %d connections for %s (max %d)", ErrInvalidPoolSize, cfg.NumConns, cfg.Addr, MaxPoolConns)
	}
	if cfg.TimeoutLeeway < 0 {
		cfg.TimeoutLeeway = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.IdlePing <= 0 {
		cfg.IdlePing = 5 * time.Minute
	}

	p := &Pool{
		cfg:   cfg,
		conns: make([]*Conn, cfg.NumConns),
		valid: make([]bool, cfg.NumConns),
		logger: cfg.Logger.With().
			Str("component", "comm-pool").
			Str("peer", cfg.Class.String()).
			Str("addr", cfg.Addr).
			Logger(),
	}

	for i := range p.conns {
		c, err := NewConn(&ConnConfig{
			Addr:              cfg.Addr,
			Class:             cfg.Class,
			Index:             i,
			AlertAction:       cfg.AlertAction,
			SelfHost:          cfg.SelfHost,
			SelfPort:          cfg.SelfPort,
			ConnectTimeout:    cfg.ConnectTimeout,
			ReconnectInterval: cfg.ReconnectInterval,
			Dispatcher:        cfg.Dispatcher,
			OnStateChange:     p.setConnValid,
			Logger:            cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		p.conns[i] = c
	}

	p.logger.Info().Int("conns", cfg.NumConns).Msg("Constructed connection pool")
	return p, nil
}

// Start dials every connection. Repeated calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, c := range p.conns {
		c.Start(ctx)
	}
	p.logger.Info().Msg("Started connection pool")
}

// Close destroys every connection. Pending requests are rejected.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var wg sync.WaitGroup
	for _, c := range p.conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	p.logger.Info().Msg("Destroyed connection pool")
	return nil
}

// selectConn scans last+1..n-1 then 0..last and returns the first index
// for which allowed is true, or -1.
func selectConn(n, last int, allowed func(i int) bool) int {
	if last >= n || last < 0 {
		last = 0
	}
	for i := last + 1; i < n; i++ {
		if allowed(i) {
			return i
		}
	}
	for i := 0; i <= last && i < n; i++ {
		if allowed(i) {
			return i
		}
	}
	return -1
}

// pick chooses the connection for the next request.
func (p *Pool) pick() (*Conn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%w: %s pool for %s", ErrPoolClosed, p.cfg.Class, p.cfg.Addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.conns)
	idx := selectConn(n, p.lastIdx, func(i int) bool {
		return p.conns[i].WriteAllowed(LightMaxPending, LightMaxBytes)
	})
	if idx < 0 {
		idx = selectConn(n, p.lastIdx, func(i int) bool {
			return p.conns[i].WriteAllowed(RelaxedMaxPending, RelaxedMaxBytes)
		})
	}
	if idx >= 0 {
		p.lastIdx = idx
		return p.conns[idx], nil
	}

	p.nrejected.Add(1)
	metrics.Get().IncQueriesRejected()

	for _, v := range p.valid {
		if v {
			return nil, fmt.Errorf("%w: %s pool for %s, retry later", ErrPoolOverloaded, p.cfg.Class, p.cfg.Addr)
		}
	}
	return nil, fmt.Errorf("%w: %s pool for %s, retry later", ErrNoConnections, p.cfg.Class, p.cfg.Addr)
}

// SendQuery sends a request on the next admissible connection.
func (p *Pool) SendQuery(body []byte, opts QueryOptions) (*Pending, error) {
	c, err := p.pick()
	if err != nil {
		return nil, err
	}
	return c.SendQuery(body, opts)
}

// Query sends a request and waits for its response.
func (p *Pool) Query(ctx context.Context, body []byte, opts QueryOptions) (*Response, error) {
	opts.WantResponse = true
	pending, err := p.SendQuery(body, opts)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// SendEvent sends a one-way event on the next admissible connection.
func (p *Pool) SendEvent(t protocol.EventType, body []byte) error {
	c, err := p.pick()
	if err != nil {
		return err
	}
	return c.SendEvent(t, body)
}

// setConnValid records a connection's registration state. A registering
// connection also records the peer's id and version.
func (p *Pool) setConnValid(idx int, registered bool, peerID string, peerVersion uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.valid) {
		return
	}
	p.valid[idx] = registered
	if registered {
		p.peerID = peerID
		p.peerVersion = peerVersion
		p.logger.Info().
			Str("peer_id", peerID).
			Str("peer_version", fmt.Sprintf("0x%06x", peerVersion)).
			Int("conn", idx).
			Msg("Pool connection registered")
	}
}

// IsConnAvailable reports whether at least one connection is registered.
func (p *Pool) IsConnAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.valid {
		if v {
			return true
		}
	}
	return false
}

// registered returns the currently registered connections.
func (p *Pool) registered() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for i, v := range p.valid {
		if v {
			out = append(out, p.conns[i])
		}
	}
	return out
}

// SendPings pings every registered connection that has been idle longer
// than the configured interval.
func (p *Pool) SendPings(now time.Time) int {
	n := 0
	for _, c := range p.registered() {
		if c.PingIfIdle(now, p.cfg.IdlePing) {
			n++
		}
	}
	return n
}

// CheckTimeouts runs the gated timeout sweep on every registered connection.
func (p *Pool) CheckTimeouts(now time.Time) int {
	n := 0
	for _, c := range p.registered() {
		n += c.MaybeSweepTimeouts(now, p.cfg.SweepInterval, p.cfg.TimeoutLeeway)
	}
	return n
}

// PeerID returns the id reported by the peer at the latest registration.
func (p *Pool) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// PeerVersion returns the version reported by the peer at the latest registration.
func (p *Pool) PeerVersion() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerVersion
}

// Addr returns the peer address.
func (p *Pool) Addr() string { return p.cfg.Addr }

// Stats returns pool statistics including per-connection stats.
func (p *Pool) Stats() map[string]interface{} {
	conns := make([]map[string]interface{}, 0, len(p.conns))
	nvalid := 0
	for _, c := range p.conns {
		conns = append(conns, c.Stats())
	}
	p.mu.Lock()
	for _, v := range p.valid {
		if v {
			nvalid++
		}
	}
	peerID, peerVersion := p.peerID, p.peerVersion
	p.mu.Unlock()

	return map[string]interface{}{
		"addr":         p.cfg.Addr,
		"peer":         p.cfg.Class.String(),
		"alert_action": p.cfg.AlertAction,
		"num_conns":    len(p.conns),
		"registered":   nvalid,
		"peer_id":      peerID,
		"peer_version": fmt.Sprintf("0x%06x", peerVersion),
		"rejected":     p.nrejected.Load(),
		"conns":        conns,
	}
}
