package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/comm"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultCoordinatorInterval is the coordinator discovery period.
	DefaultCoordinatorInterval = 30 * time.Second
	// DefaultWorkerInterval is the worker discovery period.
	DefaultWorkerInterval = 60 * time.Second

	// DefaultNumConns is the pool size per peer.
	DefaultNumConns = 8

	discoveryQueryTimeout = 30 * time.Second

	// change markers are requested with this much overlap
	markerOverlapMsec = 60 * 1000

	coordinatorResyncInterval = 5 * time.Minute
	workerResyncInterval      = 10 * time.Minute

	staleCheckInterval = 2 * time.Hour
	staleAge           = 5 * 24 * time.Hour
	staleAgeCrowded    = 24 * time.Hour
	crowdedAgents      = 100000
	crowdedWorkers     = 10000
)

// Node message and query types carried in discovery queries.
const (
	msgQuery = 1
	msgPing  = 5

	queryWorkerList = 1001
	queryHostState  = 1002
)

// PeerPool is the connection pool a handler talks through. *comm.Pool
// implements it.
type PeerPool interface {
	Start(ctx context.Context)
	Close() error
	Query(ctx context.Context, body []byte, opts comm.QueryOptions) (*comm.Response, error)
	IsConnAvailable() bool
	SendPings(now time.Time) int
	CheckTimeouts(now time.Time) int
	PeerID() string
	PeerVersion() uint32
	Addr() string
	Stats() map[string]interface{}
}

// PoolFactory builds the pool for one peer address.
type PoolFactory func(cfg *comm.PoolConfig) (PeerPool, error)

// NewCommPool is the PoolFactory backed by comm.NewPool.
func NewCommPool(cfg *comm.PoolConfig) (PeerPool, error) {
	p, err := comm.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// HandlerConfig is shared by coordinator and worker handlers.
type HandlerConfig struct {
	// NumConns per pool
	NumConns int

	// SelfHost and SelfPort are announced to every peer
	SelfHost string
	SelfPort uint32

	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	TimeoutLeeway     float64
	SweepInterval     time.Duration
	IdlePing          time.Duration

	// QueryTimeout applies to dispatched queries that name none
	QueryTimeout time.Duration

	CoordinatorInterval time.Duration
	WorkerInterval      time.Duration

	// Dispatcher handles peer-initiated traffic on every pool
	Dispatcher *comm.Dispatcher

	// NewPool builds pools; NewCommPool if nil
	NewPool PoolFactory

	Logger zerolog.Logger
}

func (c *HandlerConfig) setDefaults() {
	if c.NumConns == 0 {
		c.NumConns = DefaultNumConns
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = comm.DefaultQueryTimeout
	}
	if c.CoordinatorInterval <= 0 {
		c.CoordinatorInterval = DefaultCoordinatorInterval
	}
	if c.WorkerInterval <= 0 {
		c.WorkerInterval = DefaultWorkerInterval
	}
	if c.NewPool == nil {
		c.NewPool = NewCommPool
	}
}

func (c *HandlerConfig) poolConfig(addr string, class protocol.PeerClass, alertAction bool) *comm.PoolConfig {
	return &comm.PoolConfig{
		Addr:              addr,
		Class:             class,
		NumConns:          c.NumConns,
		AlertAction:       alertAction,
		SelfHost:          c.SelfHost,
		SelfPort:          c.SelfPort,
		ConnectTimeout:    c.ConnectTimeout,
		ReconnectInterval: c.ReconnectInterval,
		TimeoutLeeway:     c.TimeoutLeeway,
		SweepInterval:     c.SweepInterval,
		IdlePing:          c.IdlePing,
		Dispatcher:        c.Dispatcher,
		Logger:            c.Logger,
	}
}

func (c *HandlerConfig) queryOptions(opts comm.QueryOptions) comm.QueryOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = c.QueryTimeout
	}
	return opts
}

type pingRequest struct {
	MType       int   `json:"mtype"`
	NodeTime    int64 `json:"nodetime"`
	LastChgMsec int64 `json:"lastchgmsec"`
}

type pingResponse struct {
	LastChgMsec int64 `json:"lastchgmsec"`
}

type listOptions struct {
	MinChgMsec int64 `json:"minchgmsec"`
	NodeFields bool  `json:"nodefields,omitempty"`
}

type listRequest struct {
	MType   int         `json:"mtype"`
	QType   int         `json:"qtype"`
	Options listOptions `json:"options"`
}

// minChangeMarker is the marker sent in a listing request.
func minChangeMarker(lastChg int64) int64 {
	if lastChg > 0 {
		return lastChg - markerOverlapMsec
	}
	return 0
}

func staleCutoff(now time.Time, size, crowded int) time.Time {
	if size > crowded {
		return now.Add(-staleAgeCrowded)
	}
	return now.Add(-staleAge)
}

// discoveryQuery sends one discovery request and waits for the reply.
func discoveryQuery(ctx context.Context, pool PeerPool, req interface{}) (*comm.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryQueryTimeout)
	defer cancel()

	return pool.Query(ctx, body, comm.QueryOptions{Timeout: discoveryQueryTimeout})
}

// pingForChanges sends the lightweight ping and reports whether the peer's
// change marker is newer than lastChg. An undecodable reply counts as no change.
func pingForChanges(ctx context.Context, pool PeerPool, now time.Time, lastChg int64) (bool, error) {
	resp, err := discoveryQuery(ctx, pool, pingRequest{MType: msgPing, NodeTime: now.UnixMilli(), LastChgMsec: lastChg})
	if err != nil {
		return false, err
	}

	var ping pingResponse
	if resp.Decode(&ping) != nil {
		return false, nil
	}
	return ping.LastChgMsec > lastChg, nil
}
