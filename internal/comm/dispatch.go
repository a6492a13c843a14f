package comm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
)

// InboundKind is the "type" of one entry in a peer-initiated request array.
type InboundKind uint8

const (
	InboundUnknown InboundKind = iota
	// InboundCurrTime returns this node's clock.
	InboundCurrTime
	// InboundParseFilter evaluates a filter expression. Its handler is
	// supplied by the filter parser.
	InboundParseFilter
)

var inboundNames = map[string]InboundKind{
	"currtime":    InboundCurrTime,
	"parsefilter": InboundParseFilter,
}

// ParseInboundKind maps a wire name to its kind.
func ParseInboundKind(name string) InboundKind {
	return inboundNames[name]
}

// String returns the wire name of the kind.
func (k InboundKind) String() string {
	for name, kind := range inboundNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// EventKind is the "etype" of a JSON event.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	// EventAlertAction carries an alert action from the coordinator's alert manager.
	EventAlertAction
)

var eventNames = map[string]EventKind{
	"action": EventAlertAction,
}

// ParseEventKind maps a wire etype to its kind.
func ParseEventKind(name string) EventKind {
	return eventNames[name]
}

// String returns the wire etype of the kind.
func (k EventKind) String() string {
	for name, kind := range eventNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// InboundRequest is one entry of a peer-initiated request array.
type InboundRequest struct {
	Kind   InboundKind
	ID     json.RawMessage
	Fields map[string]json.RawMessage
}

// Field decodes the named field into v. Missing fields leave v untouched.
func (r *InboundRequest) Field(name string, v interface{}) error {
	raw, ok := r.Fields[name]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// InboundHandler produces the "data" value for one request entry.
type InboundHandler func(req *InboundRequest) (interface{}, error)

// Event is a decoded JSON event.
type Event struct {
	Kind   EventKind
	Raw    json.RawMessage
	Fields map[string]json.RawMessage
}

// EventHandler consumes one event. Events have no reply.
type EventHandler func(ev *Event)

// Dispatcher routes peer-initiated requests and events to registered
// handlers. One Dispatcher is shared by every connection of a gateway.
type Dispatcher struct {
	mu      sync.RWMutex
	inbound map[InboundKind]InboundHandler
	events  map[EventKind]EventHandler
	now     func() time.Time
	logger  zerolog.Logger
}

// NewDispatcher creates a Dispatcher with the builtin currtime handler.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		inbound: make(map[InboundKind]InboundHandler),
		events:  make(map[EventKind]EventHandler),
		now:     time.Now,
		logger:  logger.With().Str("component", "comm-dispatch").Logger(),
	}
	d.inbound[InboundCurrTime] = d.currTime
	return d
}

// RegisterInbound installs the handler for a request kind, replacing any
// previous one. Each peer request is answered on its own goroutine, so a
// handler may block without stalling the connection.
func (d *Dispatcher) RegisterInbound(kind InboundKind, h InboundHandler) error {
	if kind == InboundUnknown || h == nil {
		return fmt.Errorf("%w: inbound %d", ErrUnknownKind, kind)
	}
	d.mu.Lock()
	d.inbound[kind] = h
	d.mu.Unlock()
	return nil
}

// RegisterEvent installs the handler for an event kind, replacing any
// previous one. Events are delivered in order on the connection's reader,
// so a handler must not block; hand slow work to another goroutine.
func (d *Dispatcher) RegisterEvent(kind EventKind, h EventHandler) error {
	if kind == EventUnknown || h == nil {
		return fmt.Errorf("%w: event %d", ErrUnknownKind, kind)
	}
	d.mu.Lock()
	d.events[kind] = h
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) inboundHandler(kind InboundKind) InboundHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inbound[kind]
}

func (d *Dispatcher) eventHandler(kind EventKind) EventHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events[kind]
}

type inboundResult struct {
	ID   json.RawMessage `json:"id"`
	Data interface{}     `json:"data"`
}

type errorBody struct {
	Error  protocol.ErrorCode `json:"error"`
	ErrMsg string             `json:"errmsg"`
}

func errorReply(code protocol.ErrorCode, msg string) (protocol.ErrorCode, []byte) {
	body, _ := json.Marshal(errorBody{Error: code, ErrMsg: msg})
	return code, body
}

// HandleQuery answers a peer-initiated query. The request body must be a
// JSON array of {"type": ..., "id": ...} objects. Entries that are not
// objects, lack a type or id, or name an unhandled kind are skipped.
func (d *Dispatcher) HandleQuery(jsonType protocol.JSONType, payload []byte) (code protocol.ErrorCode, body []byte) {
	m := metrics.Get()
	m.IncInboundRequests()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Inbound handler panicked")
			code, body = errorReply(protocol.CodeServerError, fmt.Sprintf("Exception caught while handling request : %v", r))
		}
		if code != protocol.CodeSuccess {
			m.IncInboundErrors()
		}
	}()

	if jsonType != protocol.JSONQueryWeb {
		return errorReply(protocol.CodeInvalidRequest, "Incoming Request not of Web JSON Type")
	}

	payload = protocol.TrimNUL(payload)
	if len(payload) == 0 {
		return errorReply(protocol.CodeInvalidRequest, "Incoming Request has 0 length request")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errorReply(protocol.CodeInvalidRequest, "Incoming Request not of an Array Type")
		}
		return errorReply(protocol.CodeServerError, fmt.Sprintf("Exception caught while handling request : %v", err))
	}

	results := make([]inboundResult, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}

		id, hasID := fields["id"]
		rawType, hasType := fields["type"]
		if !hasID || !hasType {
			continue
		}

		var name string
		if err := json.Unmarshal(rawType, &name); err != nil {
			continue
		}

		kind := ParseInboundKind(name)
		h := d.inboundHandler(kind)
		if h == nil {
			continue
		}

		data, err := h(&InboundRequest{Kind: kind, ID: id, Fields: fields})
		if err != nil {
			d.logger.Debug().Err(err).Str("type", name).Msg("Inbound handler failed")
			return errorReply(protocol.CodeServerError, fmt.Sprintf("Exception caught while handling request : %v", err))
		}
		results = append(results, inboundResult{ID: id, Data: data})
	}

	out, err := json.Marshal(struct {
		Data []inboundResult `json:"data"`
	}{Data: results})
	if err != nil {
		return errorReply(protocol.CodeServerError, fmt.Sprintf("Exception caught while handling request : %v", err))
	}
	return protocol.CodeSuccess, out
}

// HandleEvent dispatches a JSON event on its "etype". It reports whether a
// handler consumed the event; malformed events are dropped.
func (d *Dispatcher) HandleEvent(payload []byte) (handled bool) {
	m := metrics.Get()
	m.IncEventsReceived()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Event handler panicked")
			handled = false
		}
		if !handled {
			m.IncEventsDropped()
		}
	}()

	payload = protocol.TrimNUL(payload)
	if len(payload) == 0 {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		d.logger.Debug().Err(err).Int("len", len(payload)).Msg("Dropping malformed event")
		return false
	}

	var etype string
	if raw, ok := fields["etype"]; !ok || json.Unmarshal(raw, &etype) != nil {
		return false
	}

	kind := ParseEventKind(etype)
	h := d.eventHandler(kind)
	if h == nil {
		return false
	}

	h(&Event{Kind: kind, Raw: payload, Fields: fields})
	return true
}

func (d *Dispatcher) currTime(*InboundRequest) (interface{}, error) {
	now := d.now()
	return map[string]interface{}{
		"time_t": now.Unix(),
		"time":   now.Format(time.RFC3339),
	}, nil
}
