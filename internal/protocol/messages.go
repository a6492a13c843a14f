package protocol

// MessageType identifies the kind of payload carried by a frame.
type MessageType uint32

const (
	// MsgRegisterRequest registers this node with a coordinator.
	MsgRegisterRequest MessageType = 6
	// MsgConnectCommand registers this node with a worker.
	MsgConnectCommand MessageType = 7
	// MsgRegisterResponse is the coordinator's reply to a registration.
	MsgRegisterResponse MessageType = 12
	// MsgConnectResponse is the worker's reply to a registration.
	MsgConnectResponse MessageType = 13
	// MsgEventNotify carries a one-way event.
	MsgEventNotify MessageType = 14
	// MsgQueryCommand carries a request that may expect a response.
	MsgQueryCommand MessageType = 15
	// MsgQueryResponse carries one chunk of a response.
	MsgQueryResponse MessageType = 16
	// MsgAlertRegister registers an alert-action connection with a coordinator.
	MsgAlertRegister MessageType = 17
)

// String returns the string representation of a message type.
func (m MessageType) String() string {
	switch m {
	case MsgRegisterRequest:
		return "RegisterRequest"
	case MsgConnectCommand:
		return "ConnectCommand"
	case MsgRegisterResponse:
		return "RegisterResponse"
	case MsgConnectResponse:
		return "ConnectResponse"
	case MsgEventNotify:
		return "EventNotify"
	case MsgQueryCommand:
		return "QueryCommand"
	case MsgQueryResponse:
		return "QueryResponse"
	case MsgAlertRegister:
		return "AlertRegister"
	default:
		return "Unknown"
	}
}

// Valid reports whether m is a message type the gateway understands.
func (m MessageType) Valid() bool {
	return m.String() != "Unknown"
}

// IsRegistrationReply reports whether m answers a registration.
func (m MessageType) IsRegistrationReply() bool {
	return m == MsgRegisterResponse || m == MsgConnectResponse
}

// PeerClass selects the magic number and registration flavour of a connection.
type PeerClass uint8

const (
	// PeerCoordinator is the single cluster-wide directory node.
	PeerCoordinator PeerClass = iota
	// PeerWorker is an intermediate node owning a set of agents.
	PeerWorker
)

const (
	// MagicCoordinator marks every frame exchanged with a coordinator.
	MagicCoordinator uint32 = 0x05999905
	// MagicWorker marks every frame exchanged with a worker.
	MagicWorker uint32 = 0x05AAAA05
)

// Magic returns the frame magic used by this peer class.
func (c PeerClass) Magic() uint32 {
	if c == PeerWorker {
		return MagicWorker
	}
	return MagicCoordinator
}

// String returns the string representation of a peer class.
func (c PeerClass) String() string {
	if c == PeerWorker {
		return "worker"
	}
	return "coordinator"
}

// JSONType tags the JSON dialect of a query command.
type JSONType uint32

const (
	JSONQueryWeb    JSONType = 1
	JSONCrudGeneric JSONType = 2
	JSONCrudAlert   JSONType = 3
)

// Normalize coerces unknown JSON types to JSONQueryWeb.
func (t JSONType) Normalize() JSONType {
	switch t {
	case JSONQueryWeb, JSONCrudGeneric, JSONCrudAlert:
		return t
	default:
		return JSONQueryWeb
	}
}

// Response format and type markers.
const (
	RespWebJSON        uint32 = 1000
	RespJSONWithHeader uint32 = 1
)

// ErrorCode is the status carried in a query response.
type ErrorCode uint32

const (
	CodeSuccess         ErrorCode = 0
	CodeInvalidRequest  ErrorCode = 400
	CodeConflict        ErrorCode = 409
	CodeNotFound        ErrorCode = 410
	CodeServerError     ErrorCode = 500
	CodeBlocking        ErrorCode = 503
	CodeTimedOut        ErrorCode = 504
	CodeMaxSizeBreached ErrorCode = 507
	CodeSysError        ErrorCode = 510
)

// String returns the string representation of an error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeConflict:
		return "conflict"
	case CodeNotFound:
		return "not found"
	case CodeServerError:
		return "server error"
	case CodeBlocking:
		return "blocking"
	case CodeTimedOut:
		return "timed out"
	case CodeMaxSizeBreached:
		return "max size breached"
	case CodeSysError:
		return "system error"
	default:
		return "unknown"
	}
}

// EventType is the notify type carried by an event frame.
type EventType uint32

const (
	// EventPing keeps an idle connection alive.
	EventPing EventType = 0xA01
	// EventJSON carries a single JSON object with an "etype" discriminator.
	EventJSON EventType = 0xA02
)

// Registration constants.
const (
	CommVersion    uint32 = 1
	NodeVersion    uint32 = 0x000200
	MinPeerVersion uint32 = 0x000200
	ClientReqResp  uint32 = 0
)

// RegisterRequest is sent right after connecting, before any other traffic.
type RegisterRequest struct {
	EpochSec       uint64
	CommVersion    uint32
	SelfVersion    uint32
	MinPeerVersion uint32
	ClientType     uint32
	SelfPort       uint32
	SelfHost       string
}

// NewRegisterRequest returns a request populated with this node's versions.
func NewRegisterRequest(epochSec uint64, host string, port uint32) *RegisterRequest {
	return &RegisterRequest{
		EpochSec:       epochSec,
		CommVersion:    CommVersion,
		SelfVersion:    NodeVersion,
		MinPeerVersion: MinPeerVersion,
		ClientType:     ClientReqResp,
		SelfPort:       port,
		SelfHost:       host,
	}
}

// RegisterResponse is the peer's verdict on a registration.
type RegisterResponse struct {
	ErrorCode   uint32
	PeerVersion uint32
	PeerID      string
	ErrorMsg    string
}

// QueryCommand precedes a JSON request body.
type QueryCommand struct {
	SeqID          uint64
	DeadlineSec    uint64
	JSONType       JSONType
	ResponseFormat uint32
}

// QueryResponse precedes one chunk of a response body.
type QueryResponse struct {
	SeqID          uint64
	ResponseType   uint32
	ErrorCode      ErrorCode
	ResponseFormat uint32
	PayloadLen     uint32
	Flags          uint32
	IsComplete     bool
}

// EventNotify precedes an event body.
type EventNotify struct {
	Type  EventType
	Count uint32
}
