package comm

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/stretchr/testify/require"
)

// peerConn is one accepted connection on a fakePeer.
type peerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	class   protocol.PeerClass
}

func (pc *peerConn) write(t *testing.T, frame []byte, err error) {
	if err != nil {
		t.Errorf("encode frame: %v", err)
		return
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, _ = pc.conn.Write(frame)
}

func (pc *peerConn) respond(t *testing.T, seq uint64, code protocol.ErrorCode, body string, complete bool) {
	frame, err := protocol.EncodeQueryResponse(pc.class, seq, code, []byte(body), complete)
	pc.write(t, frame, err)
}

func (pc *peerConn) query(t *testing.T, seq uint64, jsonType protocol.JSONType, body string) {
	cmd := &protocol.QueryCommand{SeqID: seq, DeadlineSec: uint64(time.Now().Unix()) + 10, JSONType: jsonType, ResponseFormat: protocol.RespWebJSON}
	hdr := cmd.Marshal()
	frame, err := protocol.EncodeFrame(pc.class, protocol.MsgQueryCommand, hdr, append([]byte(body), 0))
	pc.write(t, frame, err)
}

func (pc *peerConn) event(t *testing.T, body string) {
	frame, err := protocol.EncodeEvent(pc.class, protocol.EventJSON, []byte(body))
	pc.write(t, frame, err)
}

type peerQuery struct {
	pc   *peerConn
	cmd  *protocol.QueryCommand
	body string
}

type peerResponse struct {
	hdr  *protocol.QueryResponse
	body string
}

// fakePeer is an in-process coordinator or worker that speaks the frame
// protocol on a loopback listener.
type fakePeer struct {
	t       *testing.T
	ln      net.Listener
	class   protocol.PeerClass
	regCode uint32
	peerID  string

	// onQuery answers a query; nil leaves every query unanswered.
	onQuery func(q peerQuery)

	mu       sync.Mutex
	conns    []*peerConn
	regTypes []protocol.MessageType

	events    chan *protocol.EventNotify
	responses chan peerResponse
	wg        sync.WaitGroup
}

func newFakePeer(t *testing.T, class protocol.PeerClass) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePeer{
		t:         t,
		ln:        ln,
		class:     class,
		peerID:    "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		events:    make(chan *protocol.EventNotify, 16),
		responses: make(chan peerResponse, 16),
	}
	t.Cleanup(p.close)
	return p
}

func (p *fakePeer) addr() string { return p.ln.Addr().String() }

func (p *fakePeer) serve() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			conn, err := p.ln.Accept()
			if err != nil {
				return
			}
			pc := &peerConn{conn: conn, class: p.class}
			p.mu.Lock()
			p.conns = append(p.conns, pc)
			p.mu.Unlock()

			p.wg.Add(1)
			go p.handle(pc)
		}
	}()
}

func (p *fakePeer) handle(pc *peerConn) {
	defer p.wg.Done()

	f, err := protocol.ReadFrame(pc.conn, p.class)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.regTypes = append(p.regTypes, f.Header.Type)
	p.mu.Unlock()

	replyType := protocol.MsgRegisterResponse
	if p.class == protocol.PeerWorker {
		replyType = protocol.MsgConnectResponse
	}
	resp := &protocol.RegisterResponse{ErrorCode: p.regCode, PeerVersion: 0x000300, PeerID: p.peerID, ErrorMsg: "rejected by test"}
	frame, err := protocol.EncodeFrame(p.class, replyType, resp.Marshal())
	pc.write(p.t, frame, err)
	if p.regCode != 0 {
		pc.conn.Close()
		return
	}

	for {
		f, err := protocol.ReadFrame(pc.conn, p.class)
		if err != nil {
			return
		}
		switch f.Header.Type {
		case protocol.MsgQueryCommand:
			cmd, body, err := protocol.ParseQueryCommand(f.Body)
			if err != nil {
				return
			}
			if p.onQuery != nil {
				p.onQuery(peerQuery{pc: pc, cmd: cmd, body: string(protocol.TrimNUL(body))})
			}
		case protocol.MsgEventNotify:
			ev, _, err := protocol.ParseEventNotify(f.Body)
			if err != nil {
				return
			}
			select {
			case p.events <- ev:
			default:
			}
		case protocol.MsgQueryResponse:
			hdr, body, err := protocol.ParseQueryResponse(f.Body)
			if err != nil {
				return
			}
			select {
			case p.responses <- peerResponse{hdr: hdr, body: string(protocol.TrimNUL(body))}:
			default:
			}
		}
	}
}

func (p *fakePeer) conn(i int) *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.conns) {
		return nil
	}
	return p.conns[i]
}

func (p *fakePeer) registrationTypes() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.MessageType(nil), p.regTypes...)
}

// dropAll closes every accepted connection from the peer side.
func (p *fakePeer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		pc.conn.Close()
	}
}

func (p *fakePeer) close() {
	p.ln.Close()
	p.dropAll()
	p.wg.Wait()
}
