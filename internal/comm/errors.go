package comm

import (
	"errors"
	"fmt"

	"github.com/Gyeeta/nodewebserver/internal/protocol"
)

// Connection and pool errors.
var (
	// ErrConnClosing rejects every request pending on a connection being torn down.
	ErrConnClosing = errors.New("connection closing")

	// ErrTimeout rejects a request whose response did not arrive in time.
	ErrTimeout = errors.New("response timed out")

	// ErrNotRegistered indicates a send on a connection that has not completed registration.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrTooManyPending indicates the per-connection multiplex limit was reached.
	ErrTooManyPending = errors.New("too many multiplexed requests pending")

	// ErrWriteQueueFull indicates the outbound queue cannot take another frame.
	ErrWriteQueueFull = errors.New("write queue full")

	// ErrNoConnections indicates no connection in the pool is registered.
	ErrNoConnections = errors.New("no valid connections")

	// ErrPoolOverloaded indicates every registered connection is over both admission tiers.
	ErrPoolOverloaded = errors.New("all connections overloaded")

	// ErrPoolClosed indicates a send on a pool that has been destroyed.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrInvalidPoolSize indicates a pool size outside 1..MaxPoolConns.
	ErrInvalidPoolSize = errors.New("invalid pool size")

	// ErrUnknownKind indicates a handler registration for an unknown request or event kind.
	ErrUnknownKind = errors.New("unknown handler kind")
)

// ResponseError is the rejection value of a Pending. It carries the
// protocol error code alongside the sentinel cause.
type ResponseError struct {
	Code   protocol.ErrorCode
	Reason string
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the protocol error code from err, defaulting to
// CodeServerError for errors that did not come from a peer.
func ErrorCode(err error) protocol.ErrorCode {
	if err == nil {
		return protocol.CodeSuccess
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code
	}
	return protocol.CodeServerError
}
