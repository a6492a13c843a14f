package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/protocol"
)

// Response is the fully reassembled reply to a query.
type Response struct {
	Code   protocol.ErrorCode
	Chunks [][]byte
}

// Bytes concatenates the chunks with their NUL terminators removed.
func (r *Response) Bytes() []byte {
	if r == nil {
		return nil
	}
	if len(r.Chunks) == 1 {
		return protocol.TrimNUL(r.Chunks[0])
	}
	var buf bytes.Buffer
	for _, c := range r.Chunks {
		buf.Write(protocol.TrimNUL(c))
	}
	return buf.Bytes()
}

// Decode unmarshals the concatenated JSON body into v.
func (r *Response) Decode(v interface{}) error {
	body := r.Bytes()
	if len(body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Pending is the future for one outstanding request. It settles exactly
// once: further chunks or rejections after that are ignored.
type Pending struct {
	seqID   uint64
	created time.Time
	timeout time.Duration

	mu        sync.Mutex
	chunks    [][]byte
	nbytes    int
	lastChunk time.Time
	settled   bool
	resp      *Response
	err       error
	done      chan struct{}
}

func newPending(seqID uint64, timeout time.Duration, now time.Time) *Pending {
	return &Pending{
		seqID:   seqID,
		created: now,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// settledPending is returned for fire-and-forget sends.
func settledPending() *Pending {
	p := newPending(0, 0, time.Now())
	p.resolve(&Response{Code: protocol.CodeSuccess})
	return p
}

// SeqID returns the sequence id the request was sent with, 0 for fire-and-forget.
func (p *Pending) SeqID() uint64 { return p.seqID }

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the request has resolved or been rejected.
func (p *Pending) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// addChunk appends one response chunk and settles the future on the final
// one. It returns true when this call settled it.
func (p *Pending) addChunk(data []byte, complete bool, code protocol.ErrorCode, now time.Time) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.chunks = append(p.chunks, data)
	p.nbytes += len(data)
	p.lastChunk = now
	if !complete {
		p.mu.Unlock()
		return false
	}
	chunks := p.chunks
	p.chunks = nil
	p.mu.Unlock()

	return p.resolve(&Response{Code: code, Chunks: chunks})
}

func (p *Pending) resolve(resp *Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.resp = resp
	close(p.done)
	return true
}

func (p *Pending) reject(code protocol.ErrorCode, reason string, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.chunks = nil
	p.err = &ResponseError{Code: code, Reason: reason, Err: cause}
	close(p.done)
	return true
}

// expired reports whether created + timeout*(1+leeway) lies before now.
func (p *Pending) expired(now time.Time, leeway float64) bool {
	limit := time.Duration(float64(p.timeout) * (1 + leeway))
	return p.created.Add(limit).Before(now)
}

func (p *Pending) bytesReceived() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nbytes
}
