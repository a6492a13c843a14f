package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu      sync.Mutex
	changes []bool
	peerID  string
}

func (r *stateRecorder) record(_ int, registered bool, peerID string, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, registered)
	if registered {
		r.peerID = peerID
	}
}

func (r *stateRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func newTestConn(t *testing.T, addr string, class protocol.PeerClass, rec *stateRecorder) *Conn {
	t.Helper()
	cfg := &ConnConfig{
		Addr:              addr,
		Class:             class,
		SelfHost:          "gw-test",
		SelfPort:          10039,
		ConnectTimeout:    time.Second,
		RegisterTimeout:   time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		Dispatcher:        NewDispatcher(zerolog.Nop()),
		Logger:            zerolog.Nop(),
	}
	if rec != nil {
		cfg.OnStateChange = rec.record
	}
	c, err := NewConn(cfg)
	require.NoError(t, err)
	return c
}

func waitRegistered(t *testing.T, c *Conn) {
	t.Helper()
	require.Eventually(t, c.IsRegistered, 2*time.Second, 5*time.Millisecond)
}

func TestConnRegisterAndQuery(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.onQuery = func(q peerQuery) {
		q.pc.respond(t, q.cmd.SeqID, protocol.CodeSuccess, fmt.Sprintf(`{"echo":%s}`, q.body), true)
	}
	peer.serve()

	rec := &stateRecorder{}
	c := newTestConn(t, peer.addr(), protocol.PeerWorker, rec)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	assert.Equal(t, []protocol.MessageType{protocol.MsgConnectCommand}, peer.registrationTypes())
	assert.Equal(t, []bool{true}, rec.snapshot())
	assert.Equal(t, peer.peerID, rec.peerID)

	p, err := c.SendQuery([]byte(`{"mtype":5}`), QueryOptions{WantResponse: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.SeqID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeSuccess, resp.Code)

	var out struct {
		Echo struct {
			MType int `json:"mtype"`
		} `json:"echo"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 5, out.Echo.MType)
	assert.Zero(t, c.PendingCount())
}

func TestConnCoordinatorRegistersWithRequestType(t *testing.T) {
	for _, tc := range []struct {
		name        string
		alertAction bool
		want        protocol.MessageType
	}{
		{"regular", false, protocol.MsgRegisterRequest},
		{"alert action", true, protocol.MsgAlertRegister},
	} {
		t.Run(tc.name, func(t *testing.T) {
			peer := newFakePeer(t, protocol.PeerCoordinator)
			peer.serve()

			c, err := NewConn(&ConnConfig{
				Addr:        peer.addr(),
				Class:       protocol.PeerCoordinator,
				AlertAction: tc.alertAction,
				Logger:      zerolog.Nop(),
			})
			require.NoError(t, err)
			c.Start(context.Background())
			defer c.Close()
			waitRegistered(t, c)

			assert.Equal(t, []protocol.MessageType{tc.want}, peer.registrationTypes())
		})
	}

	_, err := NewConn(&ConnConfig{Class: protocol.PeerWorker, AlertAction: true, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestConnChunkedResponse(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.onQuery = func(q peerQuery) {
		q.pc.respond(t, q.cmd.SeqID, protocol.CodeSuccess, `{"hoststate":[`, false)
		q.pc.respond(t, q.cmd.SeqID, protocol.CodeSuccess, `{"parid":"p1"}]}`, true)
	}
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerWorker, nil)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	p, err := c.SendQuery([]byte(`{}`), QueryOptions{WantResponse: true})
	require.NoError(t, err)
	resp, err := p.Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, resp.Chunks, 2)
	assert.JSONEq(t, `{"hoststate":[{"parid":"p1"}]}`, string(resp.Bytes()))
}

func TestConnFireAndForget(t *testing.T) {
	received := make(chan uint64, 1)
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.onQuery = func(q peerQuery) { received <- q.cmd.SeqID }
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerWorker, nil)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	p, err := c.SendQuery([]byte(`{"mtype":2}`), QueryOptions{})
	require.NoError(t, err)
	assert.True(t, p.Settled())
	assert.Zero(t, c.PendingCount())

	select {
	case seq := <-received:
		assert.Zero(t, seq)
	case <-time.After(2 * time.Second):
		t.Fatal("query never reached the peer")
	}
}

func TestConnRegistrationRejected(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerCoordinator)
	peer.regCode = 410
	peer.serve()

	rec := &stateRecorder{}
	c := newTestConn(t, peer.addr(), protocol.PeerCoordinator, rec)
	c.Start(context.Background())
	defer c.Close()

	require.Eventually(t, func() bool { return len(peer.registrationTypes()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsRegistered())
	assert.Empty(t, rec.snapshot())

	_, err := c.SendQuery([]byte(`{}`), QueryOptions{WantResponse: true})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestConnTeardownRejectsPendingAndReconnects(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.serve()

	rec := &stateRecorder{}
	c := newTestConn(t, peer.addr(), protocol.PeerWorker, rec)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	var pendings []*Pending
	for i := 0; i < 3; i++ {
		p, err := c.SendQuery([]byte(`{}`), QueryOptions{WantResponse: true})
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	assert.Equal(t, 3, c.PendingCount())

	peer.dropAll()

	for _, p := range pendings {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.Wait(ctx)
		cancel()
		require.ErrorIs(t, err, ErrConnClosing)
		assert.Equal(t, protocol.CodeServerError, ErrorCode(err))
	}
	assert.Zero(t, c.PendingCount())

	// comes back after the reconnect interval
	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) >= 3 && s[len(s)-1]
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, rec.snapshot()[:3])
}

func TestConnCloseIsFinal(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerWorker, nil)
	c.Start(context.Background())
	waitRegistered(t, c)

	p, err := c.SendQuery([]byte(`{}`), QueryOptions{WantResponse: true})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnClosing)
	assert.Equal(t, StateClosing, c.State())

	time.Sleep(120 * time.Millisecond)
	assert.Len(t, peer.registrationTypes(), 1)
}

func TestConnSweepTimeouts(t *testing.T) {
	c := newTestConn(t, "127.0.0.1:1", protocol.PeerWorker, nil)
	now := time.Now()

	old := newPending(1, time.Second, now.Add(-10*time.Second))
	fresh := newPending(2, time.Second, now.Add(-3*time.Second))
	c.pending[1] = old
	c.pending[2] = fresh

	// 1s * (1+5) = 6s: only the 10s old request is past it
	assert.Equal(t, 1, c.SweepTimeouts(now, 5))
	assert.Equal(t, 1, c.PendingCount())

	_, err := old.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, protocol.CodeTimedOut, ErrorCode(err))
	assert.False(t, fresh.Settled())

	// gated: a second sweep inside the interval does nothing
	assert.Zero(t, c.MaybeSweepTimeouts(now.Add(10*time.Second), 5*time.Minute, 0))
	assert.Equal(t, 1, c.MaybeSweepTimeouts(now.Add(6*time.Minute), 5*time.Minute, 0))
}

func TestConnNextSeqWrapsAndSkipsPending(t *testing.T) {
	c := newTestConn(t, "127.0.0.1:1", protocol.PeerWorker, nil)

	c.seq = MaxSeqID
	c.pending[1] = newPending(1, time.Second, time.Now())
	assert.Equal(t, uint64(2), c.nextSeqLocked())
	assert.Equal(t, uint64(3), c.nextSeqLocked())
}

func TestConnResponseMatching(t *testing.T) {
	c := newTestConn(t, "127.0.0.1:1", protocol.PeerWorker, nil)
	p := newPending(7, time.Second, time.Now())
	c.pending[7] = p

	frameBody := func(seq uint64, complete bool, body string) []byte {
		hdr := &protocol.QueryResponse{SeqID: seq, ErrorCode: protocol.CodeNotFound, PayloadLen: uint32(len(body) + 1), IsComplete: complete}
		return append(hdr.Marshal(), append([]byte(body), 0)...)
	}

	// seq 0 is never matched and never counted
	require.NoError(t, c.handleResponse(frameBody(0, true, `{}`)))
	assert.Zero(t, c.nmapMissed.Load())

	require.NoError(t, c.handleResponse(frameBody(99, true, `{}`)))
	assert.Equal(t, int64(1), c.nmapMissed.Load())

	require.NoError(t, c.handleResponse(frameBody(7, false, `[1,`)))
	assert.False(t, p.Settled())
	assert.Equal(t, 1, c.PendingCount())

	require.NoError(t, c.handleResponse(frameBody(7, true, `2]`)))
	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeNotFound, resp.Code)
	assert.Equal(t, "[1,2]", string(resp.Bytes()))
	assert.Zero(t, c.PendingCount())

	// short sub-header is a protocol error
	assert.ErrorIs(t, c.handleResponse([]byte{1, 2}), protocol.ErrShortMessage)
}

func TestPendingSettlesOnce(t *testing.T) {
	p := newPending(1, time.Second, time.Now())
	assert.True(t, p.addChunk([]byte("x"), true, protocol.CodeSuccess, time.Now()))
	assert.False(t, p.reject(protocol.CodeServerError, "late", ErrConnClosing))
	assert.False(t, p.addChunk([]byte("y"), true, protocol.CodeSuccess, time.Now()))

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", string(resp.Bytes()))

	q := newPending(2, time.Second, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConnInboundQuery(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerCoordinator)
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerCoordinator, nil)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	pc := peer.conn(0)
	require.NotNil(t, pc)

	pc.query(t, 11, protocol.JSONQueryWeb, `[{"type":"currtime","id":"c1"},{"type":"nosuch","id":"x"}]`)
	select {
	case r := <-peer.responses:
		assert.Equal(t, uint64(11), r.hdr.SeqID)
		assert.Equal(t, protocol.CodeSuccess, r.hdr.ErrorCode)
		assert.True(t, r.hdr.IsComplete)

		var out struct {
			Data []struct {
				ID   string                 `json:"id"`
				Data map[string]interface{} `json:"data"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.body), &out))
		require.Len(t, out.Data, 1)
		assert.Equal(t, "c1", out.Data[0].ID)
		assert.Contains(t, out.Data[0].Data, "time_t")
	case <-time.After(2 * time.Second):
		t.Fatal("no response to inbound query")
	}

	pc.query(t, 12, protocol.JSONCrudGeneric, `[]`)
	select {
	case r := <-peer.responses:
		assert.Equal(t, uint64(12), r.hdr.SeqID)
		assert.Equal(t, protocol.CodeInvalidRequest, r.hdr.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no response to invalid inbound query")
	}
}

func TestConnEventDispatch(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerCoordinator)
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerCoordinator, nil)
	got := make(chan *Event, 1)
	require.NoError(t, c.cfg.Dispatcher.RegisterEvent(EventAlertAction, func(ev *Event) { got <- ev }))

	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	pc := peer.conn(0)
	require.NotNil(t, pc)
	pc.event(t, `not json`)
	pc.event(t, `{"etype":"action","alertid":"a1"}`)

	select {
	case ev := <-got:
		assert.Equal(t, EventAlertAction, ev.Kind)
		assert.Contains(t, ev.Fields, "alertid")
	case <-time.After(2 * time.Second):
		t.Fatal("event handler never ran")
	}
	assert.True(t, c.IsRegistered())
}

func TestConnPingIfIdle(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerWorker, nil)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	now := time.Now()
	assert.False(t, c.PingIfIdle(now, 5*time.Minute))
	assert.True(t, c.PingIfIdle(now.Add(6*time.Minute), 5*time.Minute))

	select {
	case ev := <-peer.events:
		assert.Equal(t, protocol.EventPing, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("ping never reached the peer")
	}
}

func TestConnCloseDuringRegistration(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accepts and never answers the registration
	var mu sync.Mutex
	var accepted []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, conn)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range accepted {
			conn.Close()
		}
	}()

	c := newTestConn(t, ln.Addr().String(), protocol.PeerCoordinator, nil)
	c.cfg.RegisterTimeout = 5 * time.Second
	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.IsRegistered())
}

func TestConnFramingErrorTearsDown(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.serve()

	rec := &stateRecorder{}
	c := newTestConn(t, peer.addr(), protocol.PeerWorker, rec)
	c.Start(context.Background())
	defer c.Close()
	waitRegistered(t, c)

	p, err := c.SendQuery([]byte(`{}`), QueryOptions{WantResponse: true})
	require.NoError(t, err)

	pc := peer.conn(0)
	require.NotNil(t, pc)

	// coordinator magic on a worker connection
	bad := make([]byte, 32)
	protocol.PutHeader(bad, protocol.Header{
		Magic:     protocol.PeerCoordinator.Magic(),
		TotalSize: 32,
		Type:      protocol.MsgQueryResponse,
	})
	pc.write(t, bad, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, ErrConnClosing)
	assert.Zero(t, c.PendingCount())

	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) >= 3 && s[len(s)-1]
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, rec.snapshot()[:3])
	assert.Len(t, peer.registrationTypes(), 2)
}

func TestConnSlowInboundHandler(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerCoordinator)
	peer.onQuery = func(q peerQuery) {
		q.pc.respond(t, q.cmd.SeqID, protocol.CodeSuccess, `{"ok":true}`, true)
	}
	peer.serve()

	c := newTestConn(t, peer.addr(), protocol.PeerCoordinator, nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	require.NoError(t, c.cfg.Dispatcher.RegisterInbound(InboundParseFilter, func(*InboundRequest) (interface{}, error) {
		entered <- struct{}{}
		<-release
		return "done", nil
	}))

	c.Start(context.Background())
	defer c.Close()
	defer unblock()
	waitRegistered(t, c)

	pc := peer.conn(0)
	require.NotNil(t, pc)
	pc.query(t, 21, protocol.JSONQueryWeb, `[{"type":"parsefilter","id":"f1"}]`)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound handler never ran")
	}

	// the blocked handler must not hold up our own responses
	p, err := c.SendQuery([]byte(`{"mtype":5}`), QueryOptions{WantResponse: true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeSuccess, resp.Code)

	unblock()
	select {
	case r := <-peer.responses:
		assert.Equal(t, uint64(21), r.hdr.SeqID)
		assert.Equal(t, protocol.CodeSuccess, r.hdr.ErrorCode)
		assert.Contains(t, r.body, `"done"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no response to inbound query")
	}
}

func TestConnStartCloseConcurrent(t *testing.T) {
	peer := newFakePeer(t, protocol.PeerWorker)
	peer.serve()

	for i := 0; i < 20; i++ {
		c := newTestConn(t, peer.addr(), protocol.PeerWorker, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
		wg.Wait()

		require.NoError(t, c.Close())
		assert.False(t, c.IsRegistered())
	}
}
