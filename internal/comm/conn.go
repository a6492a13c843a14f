package comm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxMultiplex is the maximum number of requests awaiting a response on one connection.
	MaxMultiplex = 1024
	// MaxSeqID is the last sequence id handed out before wrapping to 1.
	MaxSeqID = 1<<53 - 1 - 1000
	// MaxPendingWriteBytes bounds the bytes queued for writing on one connection (10MB).
	MaxPendingWriteBytes = 10 << 20

	// DefaultQueryTimeout applies when a query names no timeout.
	DefaultQueryTimeout = 100 * time.Second

	writeQueueDepth = 4096
	readBufferSize  = 64 << 10
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateRegistered
	StateClosing
)

// String returns the string representation of a connection state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnConfig holds configuration for a single peer connection.
type ConnConfig struct {
	// Addr is the peer's host:port
	Addr string

	// Class selects magic and registration message
	Class protocol.PeerClass

	// Index is this connection's slot in its pool
	Index int

	// AlertAction registers with MsgAlertRegister instead of MsgRegisterRequest.
	// Only valid for coordinator connections.
	AlertAction bool

	// SelfHost and SelfPort are announced in the registration request
	SelfHost string
	SelfPort uint32

	// ConnectTimeout bounds the TCP dial
	ConnectTimeout time.Duration

	// RegisterTimeout bounds the wait for the registration reply
	RegisterTimeout time.Duration

	// ReconnectInterval is the fixed delay before reconnecting after a teardown
	ReconnectInterval time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// NoReconnect disables automatic reconnects
	NoReconnect bool

	// Dispatcher handles peer-initiated requests and events. Optional.
	Dispatcher *Dispatcher

	// OnStateChange is called when the connection becomes registered or
	// stops being registered.
	OnStateChange func(index int, registered bool, peerID string, peerVersion uint32)

	// Logger for connection events
	Logger zerolog.Logger
}

// session is the state of one TCP connection lifetime.
type session struct {
	netConn net.Conn
	reader  *bufio.Reader
	queue   chan []byte
	stop    chan struct{}
}

// Conn is one multiplexed connection to a coordinator or worker. Requests
// are matched to responses by sequence id; any number of requests up to
// MaxMultiplex may be outstanding.
type Conn struct {
	cfg    *ConnConfig
	id     string
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	state   ConnState
	sess    *session
	pending map[uint64]*Pending
	seq     uint64

	queuedBytes atomic.Int64
	lastSend    atomic.Int64 // Unix nano
	lastSweep   atomic.Int64 // Unix nano

	// Lifecycle
	ctx        context.Context
	cancelFunc context.CancelFunc
	started    atomic.Bool
	destroyed  atomic.Bool
	wg         sync.WaitGroup

	// Stats
	nsends      atomic.Int64
	bytesSent   atomic.Int64
	bytesRecv   atomic.Int64
	nmapMissed  atomic.Int64
	nreconnects atomic.Int64
}

// NewConn creates a connection. Nothing is dialed until Start.
func NewConn(cfg *ConnConfig) (*Conn, error) {
	if cfg.AlertAction && cfg.Class == protocol.PeerWorker {
		return nil, fmt.Errorf("alert action connection to %s must be a coordinator connection", cfg.Addr)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 30 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	name := cfg.Class.String()
	if cfg.AlertAction {
		name += "-alertmgr"
	}

	c := &Conn{
		cfg:     cfg,
		id:      uuid.New().String(),
		name:    name,
		pending: make(map[uint64]*Pending),
	}
	c.logger = cfg.Logger.With().
		Str("component", "comm-conn").
		Str("peer", name).
		Str("addr", cfg.Addr).
		Int("conn", cfg.Index).
		Logger()
	return c, nil
}

// ID returns the unique id of this connection instance.
func (c *Conn) ID() string { return c.id }

// Start begins the connect/register/read loop. Calling Start on a
// registered or already started connection is a no-op.
func (c *Conn) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.ctx, c.cancelFunc = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.connectionLoop()
}

// Close tears the connection down for good: pending requests are rejected
// and no reconnect is scheduled.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.destroyed.Store(true)
	cancel := c.cancelFunc
	c.mu.Unlock()

	c.teardown(true)
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

// connectionLoop dials, registers and reads until the connection fails,
// then waits ReconnectInterval and starts over.
func (c *Conn) connectionLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.logger.Info().Msg("Initiating connection")

		if sess, err := c.connect(); err != nil {
			c.logger.Warn().
				Err(err).
				Dur("retry_in", c.cfg.ReconnectInterval).
				Msg("Failed to connect, will retry")
		} else {
			c.readLoop(sess)
		}

		c.teardown(false)
		if c.cfg.NoReconnect || c.destroyed.Load() {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.nreconnects.Add(1)
		c.mu.Lock()
		if c.state == StateClosing {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}
}

// connect dials the peer and completes registration.
func (c *Conn) connect() (*session, error) {
	m := metrics.Get()
	m.IncConnectAttempts()

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(c.ctx, "tcp", c.cfg.Addr)
	if err != nil {
		m.IncConnectFailures()
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		netConn.Close()
		return nil, ErrConnClosing
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info().Msg("Connected, starting registration")

	// Close unblocks a registration the peer never answers
	stopAbort := context.AfterFunc(c.ctx, func() { netConn.Close() })
	reader := bufio.NewReaderSize(netConn, readBufferSize)
	resp, err := c.register(netConn, reader)
	if !stopAbort() && err == nil {
		err = ErrConnClosing
	}
	if err != nil {
		m.IncRegistrationFailures()
		netConn.Close()
		return nil, err
	}

	sess := &session{
		netConn: netConn,
		reader:  reader,
		queue:   make(chan []byte, writeQueueDepth),
		stop:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.destroyed.Load() || c.state != StateConnected {
		c.mu.Unlock()
		netConn.Close()
		return nil, ErrConnClosing
	}
	c.state = StateRegistered
	c.sess = sess
	c.mu.Unlock()

	c.queuedBytes.Store(0)
	c.lastSend.Store(time.Now().UnixNano())
	m.IncRegistrations()
	m.AddConnsRegistered(1)

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.cfg.Index, true, resp.PeerID, resp.PeerVersion)
	}

	c.logger.Info().
		Str("peer_id", resp.PeerID).
		Str("peer_version", fmt.Sprintf("0x%06x", resp.PeerVersion)).
		Msg("Registered successfully")

	c.wg.Add(1)
	go c.writeLoop(sess)

	return sess, nil
}

// register sends the registration request and reads the reply. Nothing
// else may be sent before the reply arrives.
func (c *Conn) register(netConn net.Conn, reader *bufio.Reader) (*protocol.RegisterResponse, error) {
	msgType := protocol.MsgRegisterRequest
	switch {
	case c.cfg.Class == protocol.PeerWorker:
		msgType = protocol.MsgConnectCommand
	case c.cfg.AlertAction:
		msgType = protocol.MsgAlertRegister
	}

	req := protocol.NewRegisterRequest(uint64(time.Now().Unix()), c.cfg.SelfHost, c.cfg.SelfPort)
	frame, err := protocol.EncodeRegister(c.cfg.Class, msgType, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.RegisterTimeout)
	if err := netConn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set registration deadline: %w", err)
	}
	defer netConn.SetDeadline(time.Time{})

	if _, err := netConn.Write(frame); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	c.recordSend(len(frame))

	f, err := protocol.ReadFrame(reader, c.cfg.Class)
	if err != nil {
		if protocol.IsFramingError(err) {
			metrics.Get().IncFramingErrors()
		}
		return nil, fmt.Errorf("read registration response: %w", err)
	}
	c.bytesRecv.Add(int64(f.Header.TotalSize))

	if !f.Header.Type.IsRegistrationReply() {
		return nil, fmt.Errorf("unexpected %s before registration completed", f.Header.Type)
	}
	return protocol.ParseRegisterResponse(f.Body)
}

// writeLoop drains the frame queue. Each frame goes out in one Write so
// frames never interleave on the wire.
func (c *Conn) writeLoop(sess *session) {
	defer c.wg.Done()

	for {
		select {
		case <-sess.stop:
			return
		case frame := <-sess.queue:
			if err := sess.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err == nil {
				_, err = sess.netConn.Write(frame)
				if err == nil {
					c.queuedBytes.Add(-int64(len(frame)))
					continue
				}
				c.logger.Error().Err(err).Msg("Write failed, disconnecting")
			}
			// Closing the socket unblocks readLoop, which runs the teardown
			sess.netConn.Close()
			return
		}
	}
}

// readLoop reads frames until the connection fails. It never sets a read
// deadline so a partial frame is never abandoned mid-way.
func (c *Conn) readLoop(sess *session) {
	m := metrics.Get()

	for {
		f, err := protocol.ReadFrame(sess.reader, c.cfg.Class)
		if err != nil {
			switch {
			case protocol.IsFramingError(err):
				m.IncFramingErrors()
				c.logger.Error().Err(err).Msg("Invalid frame, disconnecting")
			case c.State() == StateClosing:
			default:
				c.logger.Error().Err(err).Msg("Connection disconnected from peer")
			}
			return
		}

		c.bytesRecv.Add(int64(f.Header.TotalSize))
		m.IncFramesReceived()
		m.AddBytesReceived(int64(f.Header.TotalSize))

		if err := c.handleFrame(f); err != nil {
			c.logger.Error().Err(err).Str("msg_type", f.Header.Type.String()).Msg("Failed to handle frame, disconnecting")
			return
		}
	}
}

func (c *Conn) handleFrame(f *protocol.Frame) error {
	switch f.Header.Type {
	case protocol.MsgQueryResponse:
		return c.handleResponse(f.Body)
	case protocol.MsgEventNotify:
		return c.handleEvent(f.Body)
	case protocol.MsgQueryCommand:
		return c.handleInbound(f.Body)
	default:
		c.logger.Debug().Str("msg_type", f.Header.Type.String()).Msg("Ignoring unexpected message type")
		return nil
	}
}

func (c *Conn) handleResponse(body []byte) error {
	hdr, payload, err := protocol.ParseQueryResponse(body)
	if err != nil {
		return err
	}
	if hdr.SeqID == 0 {
		return nil
	}

	c.mu.Lock()
	p, ok := c.pending[hdr.SeqID]
	if ok && hdr.IsComplete {
		delete(c.pending, hdr.SeqID)
	}
	c.mu.Unlock()

	if !ok {
		c.nmapMissed.Add(1)
		metrics.Get().IncResponsesUnmatched()
		c.logger.Debug().Uint64("seq_id", hdr.SeqID).Msg("Response for unknown sequence id")
		return nil
	}

	now := time.Now()
	if p.addChunk(payload, hdr.IsComplete, hdr.ErrorCode, now) {
		elapsed := now.Sub(p.created)
		metrics.Get().IncResponsesReceived()
		metrics.Get().RecordResponseLatency(elapsed)
		c.logger.Debug().
			Uint64("seq_id", hdr.SeqID).
			Uint32("code", uint32(hdr.ErrorCode)).
			Dur("elapsed", elapsed).
			Int("bytes", p.bytesReceived()).
			Msg("Response received")
	}
	return nil
}

func (c *Conn) handleEvent(body []byte) error {
	ev, payload, err := protocol.ParseEventNotify(body)
	if err != nil {
		return err
	}
	if ev.Type != protocol.EventJSON || ev.Count != 1 || c.cfg.Dispatcher == nil {
		return nil
	}
	c.cfg.Dispatcher.HandleEvent(payload)
	return nil
}

func (c *Conn) handleInbound(body []byte) error {
	cmd, payload, err := protocol.ParseQueryCommand(body)
	if err != nil {
		return err
	}

	// Off the reader; connectionLoop still holds its wg count here.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		code, reply := protocol.CodeInvalidRequest, []byte(`{"error":400,"errmsg":"No request handlers registered"}`)
		if c.cfg.Dispatcher != nil {
			code, reply = c.cfg.Dispatcher.HandleQuery(cmd.JSONType, payload)
		}

		if cmd.SeqID == 0 {
			return
		}
		if err := c.SendQueryResponse(cmd.SeqID, code, reply, true); err != nil {
			c.logger.Warn().Err(err).Uint64("seq_id", cmd.SeqID).Msg("Failed to send response to peer request")
		}
	}()
	return nil
}

// teardown closes the socket, rejects every pending request with
// ErrConnClosing and reports the slot invalid. Only the first call per
// connection lifetime has any effect.
func (c *Conn) teardown(destroyCompletely bool) {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	wasRegistered := c.state == StateRegistered
	c.state = StateClosing
	sess := c.sess
	c.sess = nil
	pending := c.pending
	c.pending = make(map[uint64]*Pending)
	c.mu.Unlock()

	if sess != nil {
		close(sess.stop)
		sess.netConn.Close()
	}
	c.queuedBytes.Store(0)

	if wasRegistered {
		metrics.Get().IncDisconnects()
		metrics.Get().AddConnsRegistered(-1)
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(c.cfg.Index, false, "", 0)
		}
	}

	var rejected int64
	for _, p := range pending {
		if p.reject(protocol.CodeServerError, "Response Rejected as connection is closing", ErrConnClosing) {
			rejected++
		}
	}
	if rejected > 0 {
		metrics.Get().AddResponsesRejected(rejected)
	}

	c.logger.Debug().
		Bool("destroy", destroyCompletely).
		Int64("rejected", rejected).
		Msg("Connection torn down")
}

// enqueue hands a fully-encoded frame to the writer.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	sess, state := c.sess, c.state
	c.mu.Unlock()

	if state != StateRegistered || sess == nil {
		return ErrNotRegistered
	}

	select {
	case sess.queue <- frame:
		c.queuedBytes.Add(int64(len(frame)))
		c.recordSend(len(frame))
		return nil
	case <-sess.stop:
		return ErrConnClosing
	default:
		return ErrWriteQueueFull
	}
}

func (c *Conn) recordSend(n int) {
	c.nsends.Add(1)
	c.bytesSent.Add(int64(n))
	c.lastSend.Store(time.Now().UnixNano())
	metrics.Get().IncFramesSent()
	metrics.Get().AddBytesSent(int64(n))
}

// nextSeqLocked returns the next free sequence id. Caller holds c.mu.
func (c *Conn) nextSeqLocked() uint64 {
	for {
		c.seq++
		if c.seq > MaxSeqID {
			c.seq = 1
		}
		if _, busy := c.pending[c.seq]; !busy {
			return c.seq
		}
	}
}

// QueryOptions control a single query.
type QueryOptions struct {
	// WantResponse allocates a sequence id and a Pending for the reply
	WantResponse bool

	// Timeout is how long the peer has to answer; DefaultQueryTimeout if zero
	Timeout time.Duration

	// JSONType of the body; unknown values are sent as JSONQueryWeb
	JSONType protocol.JSONType
}

func (o QueryOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultQueryTimeout
	}
	return o.Timeout
}

// SendQuery sends a JSON request. With WantResponse the returned Pending
// settles with the reassembled response; without it the Pending is
// already settled with an empty response.
func (c *Conn) SendQuery(body []byte, opts QueryOptions) (*Pending, error) {
	now := time.Now()
	timeout := opts.timeout()
	timeoutSec := uint64((timeout + time.Second - 1) / time.Second)

	var p *Pending
	var seqID uint64

	if opts.WantResponse {
		c.mu.Lock()
		if c.state != StateRegistered {
			c.mu.Unlock()
			return nil, ErrNotRegistered
		}
		if len(c.pending) >= MaxMultiplex {
			n := len(c.pending)
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrTooManyPending, n)
		}
		seqID = c.nextSeqLocked()
		p = newPending(seqID, timeout, now)
		c.pending[seqID] = p
		c.mu.Unlock()
	}

	cmd := &protocol.QueryCommand{
		SeqID:          seqID,
		DeadlineSec:    uint64(now.Unix()) + timeoutSec,
		JSONType:       opts.JSONType,
		ResponseFormat: protocol.RespWebJSON,
	}
	frame, err := protocol.EncodeQuery(c.cfg.Class, cmd, body)
	if err == nil {
		err = c.enqueue(frame)
	}
	if err != nil {
		if p != nil {
			c.mu.Lock()
			delete(c.pending, seqID)
			c.mu.Unlock()
		}
		return nil, err
	}

	metrics.Get().IncQueriesSent()
	if p == nil {
		return settledPending(), nil
	}
	return p, nil
}

// SendEvent sends a one-way event.
func (c *Conn) SendEvent(t protocol.EventType, body []byte) error {
	frame, err := protocol.EncodeEvent(c.cfg.Class, t, body)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// SendQueryResponse answers a peer-initiated request.
func (c *Conn) SendQueryResponse(seqID uint64, code protocol.ErrorCode, body []byte, complete bool) error {
	frame, err := protocol.EncodeQueryResponse(c.cfg.Class, seqID, code, body, complete)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// SweepTimeouts rejects every request for which created +
// timeout*(1+leeway) lies before now. It returns the number rejected.
func (c *Conn) SweepTimeouts(now time.Time, leeway float64) int {
	c.lastSweep.Store(now.UnixNano())

	var expired []*Pending
	c.mu.Lock()
	for seq, p := range c.pending {
		if p.expired(now, leeway) {
			expired = append(expired, p)
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, p := range expired {
		if p.reject(protocol.CodeTimedOut, "Response Timed Out", ErrTimeout) {
			n++
			c.logger.Error().
				Uint64("seq_id", p.seqID).
				Dur("waited", now.Sub(p.created)).
				Msg("Response timed out")
		}
	}
	if n > 0 {
		metrics.Get().AddResponseTimeouts(int64(n))
	}
	return n
}

// MaybeSweepTimeouts runs SweepTimeouts if at least interval has passed
// since the previous sweep.
func (c *Conn) MaybeSweepTimeouts(now time.Time, interval time.Duration, leeway float64) int {
	if now.Sub(time.Unix(0, c.lastSweep.Load())) < interval {
		return 0
	}
	return c.SweepTimeouts(now, leeway)
}

// PingIfIdle sends a ping event when nothing was sent for longer than idle.
func (c *Conn) PingIfIdle(now time.Time, idle time.Duration) bool {
	if !c.IsRegistered() || now.Sub(time.Unix(0, c.lastSend.Load())) <= idle {
		return false
	}
	if err := c.SendEvent(protocol.EventPing, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send ping")
		return false
	}
	return true
}

// WriteAllowed reports whether the connection is registered and under both
// the pending-request and queued-bytes limits.
func (c *Conn) WriteAllowed(maxPending int, maxBytes int64) bool {
	c.mu.Lock()
	ok := c.state == StateRegistered && len(c.pending) < maxPending
	c.mu.Unlock()
	return ok && c.queuedBytes.Load() < maxBytes
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRegistered reports whether the connection can carry requests.
func (c *Conn) IsRegistered() bool {
	return c.State() == StateRegistered
}

// PendingCount returns the number of requests awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns connection statistics.
func (c *Conn) Stats() map[string]interface{} {
	lastSend := c.lastSend.Load()
	var lastSendAt interface{}
	if lastSend > 0 {
		lastSendAt = time.Unix(0, lastSend).UTC().Format(time.RFC3339)
	}

	return map[string]interface{}{
		"id":             c.id,
		"index":          c.cfg.Index,
		"addr":           c.cfg.Addr,
		"peer":           c.name,
		"state":          c.State().String(),
		"pending":        c.PendingCount(),
		"queued_bytes":   c.queuedBytes.Load(),
		"sends":          c.nsends.Load(),
		"bytes_sent":     c.bytesSent.Load(),
		"bytes_received": c.bytesRecv.Load(),
		"missed_seq_ids": c.nmapMissed.Load(),
		"reconnects":     c.nreconnects.Load(),
		"last_send":      lastSendAt,
	}
}

// IsClosing reports whether err means the request was rejected because its
// connection went away.
func IsClosing(err error) bool {
	return errors.Is(err, ErrConnClosing)
}
