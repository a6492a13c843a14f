package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 16
	// MaxFrameSize is the largest total frame size accepted or produced (16MB).
	MaxFrameSize = 16 << 20
	// FrameAlign is the alignment every frame is padded to.
	FrameAlign = 8

	RegisterRequestSize  = 416
	RegisterResponseSize = 424
	QueryCommandSize     = 24
	QueryResponseSize    = 32
	EventNotifySize      = 8

	// MaxHostLen bounds the host name carried in a registration request.
	MaxHostLen = 254

	peerIDOffset    = 8
	peerIDEnd       = 40
	regHostOffset   = 28
	regErrMsgOffset = 40
)

// AlignedSize rounds n up to the next multiple of FrameAlign.
func AlignedSize(n int) int {
	return ((n - 1) &^ (FrameAlign - 1)) + FrameAlign
}

// Header is the fixed 16 byte prefix of every frame.
// Wire format (little-endian): [magic u32][total size u32][message type u32][padding u32]
type Header struct {
	Magic     uint32
	TotalSize uint32
	Type      MessageType
	Padding   uint32
}

// Validate checks the header against the expected peer class.
func (h Header) Validate(class PeerClass) error {
	if h.Magic != class.Magic() {
		return fmt.Errorf("%w: 0x%08x (expected 0x%08x for %s)", ErrInvalidMagic, h.Magic, class.Magic(), class)
	}
	if h.TotalSize <= HeaderSize || h.TotalSize > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, h.TotalSize)
	}
	if !h.Type.Valid() {
		return fmt.Errorf("%w: 0x%x", ErrInvalidMessageType, uint32(h.Type))
	}
	if h.Padding >= FrameAlign || h.Padding > h.TotalSize-HeaderSize {
		return fmt.Errorf("%w: %d", ErrInvalidPadding, h.Padding)
	}
	return nil
}

// PutHeader writes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[4:], h.TotalSize)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[12:], h.Padding)
}

// ParseHeader decodes and validates a header for the given peer class.
func ParseHeader(b []byte, class PeerClass) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header has %d bytes", ErrShortMessage, len(b))
	}
	h := Header{
		Magic:     binary.LittleEndian.Uint32(b[0:]),
		TotalSize: binary.LittleEndian.Uint32(b[4:]),
		Type:      MessageType(binary.LittleEndian.Uint32(b[8:])),
		Padding:   binary.LittleEndian.Uint32(b[12:]),
	}
	if err := h.Validate(class); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Frame is a decoded frame. Body excludes the header and the trailing padding.
type Frame struct {
	Header Header
	Body   []byte
}

// EncodeFrame concatenates parts behind a header and zero-pads the result.
// The returned buffer is written to the socket in one call so frames never
// interleave.
func EncodeFrame(class PeerClass, t MessageType, parts ...[]byte) ([]byte, error) {
	payloadLen := 0
	for _, p := range parts {
		payloadLen += len(p)
	}

	total := AlignedSize(HeaderSize + payloadLen)
	if payloadLen == 0 || total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidSize, total, MaxFrameSize)
	}

	buf := make([]byte, total)
	PutHeader(buf, Header{
		Magic:     class.Magic(),
		TotalSize: uint32(total),
		Type:      t,
		Padding:   uint32(total - HeaderSize - payloadLen),
	})

	off := HeaderSize
	for _, p := range parts {
		off += copy(buf[off:], p)
	}
	return buf, nil
}

// ReadFrame reads exactly one frame. A partial frame blocks until the rest
// arrives; nothing is consumed past the end of the frame.
func ReadFrame(r io.Reader, class PeerClass) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	h, err := ParseHeader(hdr[:], class)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.TotalSize-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read %s body: %w", h.Type, err)
	}

	return &Frame{Header: h, Body: body[:len(body)-int(h.Padding)]}, nil
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, class PeerClass, t MessageType, parts ...[]byte) error {
	buf, err := EncodeFrame(class, t, parts...)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}
	return nil
}

// TrimNUL strips the NUL terminators that follow string payloads.
func TrimNUL(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

// nulTerminated appends the NUL terminator expected after non-empty strings.
func nulTerminated(s []byte) []byte {
	if len(s) == 0 {
		return nil
	}
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}

// Marshal encodes the request into its fixed 416 byte form.
func (r *RegisterRequest) Marshal() []byte {
	b := make([]byte, RegisterRequestSize)
	binary.LittleEndian.PutUint64(b[0:], r.EpochSec)
	binary.LittleEndian.PutUint32(b[8:], r.CommVersion)
	binary.LittleEndian.PutUint32(b[12:], r.SelfVersion)
	binary.LittleEndian.PutUint32(b[16:], r.MinPeerVersion)
	binary.LittleEndian.PutUint32(b[20:], r.ClientType)
	binary.LittleEndian.PutUint32(b[24:], r.SelfPort)

	host := r.SelfHost
	if len(host) > MaxHostLen {
		host = host[:MaxHostLen]
	}
	copy(b[regHostOffset:], host)
	return b
}

// ParseRegisterRequest decodes a registration request body.
func ParseRegisterRequest(b []byte) (*RegisterRequest, error) {
	if len(b) < RegisterRequestSize {
		return nil, fmt.Errorf("%w: register request has %d bytes", ErrShortMessage, len(b))
	}
	return &RegisterRequest{
		EpochSec:       binary.LittleEndian.Uint64(b[0:]),
		CommVersion:    binary.LittleEndian.Uint32(b[8:]),
		SelfVersion:    binary.LittleEndian.Uint32(b[12:]),
		MinPeerVersion: binary.LittleEndian.Uint32(b[16:]),
		ClientType:     binary.LittleEndian.Uint32(b[20:]),
		SelfPort:       binary.LittleEndian.Uint32(b[24:]),
		SelfHost:       cString(b[regHostOffset:RegisterRequestSize]),
	}, nil
}

// Marshal encodes the response into its fixed 424 byte form.
func (r *RegisterResponse) Marshal() []byte {
	b := make([]byte, RegisterResponseSize)
	binary.LittleEndian.PutUint32(b[0:], r.ErrorCode)
	binary.LittleEndian.PutUint32(b[4:], r.PeerVersion)
	copy(b[peerIDOffset:peerIDEnd], r.PeerID)
	if r.ErrorCode != 0 {
		copy(b[regErrMsgOffset:RegisterResponseSize-1], r.ErrorMsg)
	}
	return b
}

// ParseRegisterResponse decodes a registration reply. A non-zero error code
// yields the decoded response together with ErrRegistrationRejected.
func ParseRegisterResponse(b []byte) (*RegisterResponse, error) {
	if len(b) != RegisterResponseSize {
		return nil, fmt.Errorf("%w: register response has %d bytes (expected %d)", ErrShortMessage, len(b), RegisterResponseSize)
	}

	resp := &RegisterResponse{
		ErrorCode:   binary.LittleEndian.Uint32(b[0:]),
		PeerVersion: binary.LittleEndian.Uint32(b[4:]),
		PeerID:      cString(b[peerIDOffset:peerIDEnd]),
	}
	if resp.ErrorCode != 0 {
		resp.ErrorMsg = cString(b[regErrMsgOffset:])
		return resp, fmt.Errorf("%w: error code %d: %s", ErrRegistrationRejected, resp.ErrorCode, resp.ErrorMsg)
	}
	return resp, nil
}

// Marshal encodes the command sub-header.
func (q *QueryCommand) Marshal() []byte {
	b := make([]byte, QueryCommandSize)
	binary.LittleEndian.PutUint64(b[0:], q.SeqID)
	binary.LittleEndian.PutUint64(b[8:], q.DeadlineSec)
	binary.LittleEndian.PutUint32(b[16:], uint32(q.JSONType.Normalize()))
	binary.LittleEndian.PutUint32(b[20:], q.ResponseFormat)
	return b
}

// ParseQueryCommand splits a query command body into its sub-header and payload.
func ParseQueryCommand(b []byte) (*QueryCommand, []byte, error) {
	if len(b) < QueryCommandSize {
		return nil, nil, fmt.Errorf("%w: query command has %d bytes", ErrShortMessage, len(b))
	}
	return &QueryCommand{
		SeqID:          binary.LittleEndian.Uint64(b[0:]),
		DeadlineSec:    binary.LittleEndian.Uint64(b[8:]),
		JSONType:       JSONType(binary.LittleEndian.Uint32(b[16:])),
		ResponseFormat: binary.LittleEndian.Uint32(b[20:]),
	}, b[QueryCommandSize:], nil
}

// Marshal encodes the response sub-header.
func (q *QueryResponse) Marshal() []byte {
	b := make([]byte, QueryResponseSize)
	binary.LittleEndian.PutUint64(b[0:], q.SeqID)
	binary.LittleEndian.PutUint32(b[8:], q.ResponseType)
	binary.LittleEndian.PutUint32(b[12:], uint32(q.ErrorCode))
	binary.LittleEndian.PutUint32(b[16:], q.ResponseFormat)
	binary.LittleEndian.PutUint32(b[20:], q.PayloadLen)
	binary.LittleEndian.PutUint32(b[24:], q.Flags)
	if q.IsComplete {
		binary.LittleEndian.PutUint32(b[28:], 1)
	}
	return b
}

// ParseQueryResponse splits a query response body into its sub-header and payload.
func ParseQueryResponse(b []byte) (*QueryResponse, []byte, error) {
	if len(b) < QueryResponseSize {
		return nil, nil, fmt.Errorf("%w: query response has %d bytes", ErrShortMessage, len(b))
	}
	q := &QueryResponse{
		SeqID:          binary.LittleEndian.Uint64(b[0:]),
		ResponseType:   binary.LittleEndian.Uint32(b[8:]),
		ErrorCode:      ErrorCode(binary.LittleEndian.Uint32(b[12:])),
		ResponseFormat: binary.LittleEndian.Uint32(b[16:]),
		PayloadLen:     binary.LittleEndian.Uint32(b[20:]),
		Flags:          binary.LittleEndian.Uint32(b[24:]),
		IsComplete:     binary.LittleEndian.Uint32(b[28:]) != 0,
	}

	payload := b[QueryResponseSize:]
	if q.PayloadLen > 0 && int(q.PayloadLen) < len(payload) {
		payload = payload[:q.PayloadLen]
	}
	return q, payload, nil
}

// Marshal encodes the event sub-header.
func (e *EventNotify) Marshal() []byte {
	b := make([]byte, EventNotifySize)
	binary.LittleEndian.PutUint32(b[0:], uint32(e.Type))
	binary.LittleEndian.PutUint32(b[4:], e.Count)
	return b
}

// ParseEventNotify splits an event body into its sub-header and payload.
func ParseEventNotify(b []byte) (*EventNotify, []byte, error) {
	if len(b) < EventNotifySize {
		return nil, nil, fmt.Errorf("%w: event notify has %d bytes", ErrShortMessage, len(b))
	}
	return &EventNotify{
		Type:  EventType(binary.LittleEndian.Uint32(b[0:])),
		Count: binary.LittleEndian.Uint32(b[4:]),
	}, b[EventNotifySize:], nil
}

// EncodeRegister builds a registration frame. t is MsgRegisterRequest,
// MsgConnectCommand or MsgAlertRegister.
func EncodeRegister(class PeerClass, t MessageType, req *RegisterRequest) ([]byte, error) {
	return EncodeFrame(class, t, req.Marshal())
}

// EncodeQuery builds a query command frame with a NUL terminated body.
func EncodeQuery(class PeerClass, cmd *QueryCommand, body []byte) ([]byte, error) {
	return EncodeFrame(class, MsgQueryCommand, cmd.Marshal(), nulTerminated(body))
}

// EncodeQueryResponse builds a single response chunk. The payload length
// counts the NUL terminator.
func EncodeQueryResponse(class PeerClass, seqID uint64, code ErrorCode, body []byte, complete bool) ([]byte, error) {
	payload := nulTerminated(body)
	hdr := &QueryResponse{
		SeqID:          seqID,
		ResponseType:   RespWebJSON,
		ErrorCode:      code,
		ResponseFormat: RespJSONWithHeader,
		PayloadLen:     uint32(len(payload)),
		IsComplete:     complete,
	}
	return EncodeFrame(class, MsgQueryResponse, hdr.Marshal(), payload)
}

// EncodeEvent builds an event frame carrying a single event.
func EncodeEvent(class PeerClass, t EventType, body []byte) ([]byte, error) {
	ev := &EventNotify{Type: t, Count: 1}
	return EncodeFrame(class, MsgEventNotify, ev.Marshal(), nulTerminated(body))
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
