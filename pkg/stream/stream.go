// Package stream turns backend token streams into sequenced chunk pipes.
// Adapters push tokens on the producer side; the router and API layer pull
// typed chunks on the consumer side. The pipe assigns sequence numbers on
// delivery, so drop policies never create gaps, and guarantees exactly one
// terminal chunk per stream.
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// Policy controls what happens when the consumer falls behind the producer.
type Policy string

const (
	// PolicyBuffer blocks the producer once maxBufferSize chunks are pending.
	PolicyBuffer Policy = "BUFFER"
	// PolicyDropOldest discards the oldest pending chunk to make room.
	PolicyDropOldest Policy = "DROP_OLDEST"
	// PolicyLatest keeps only the most recent pending chunk.
	PolicyLatest Policy = "LATEST"
	// PolicyError fails the stream on overflow.
	PolicyError Policy = "ERROR"
)

// IsValid reports whether p is a known backpressure policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyBuffer, PolicyDropOldest, PolicyLatest, PolicyError:
		return true
	}
	return false
}

// DefaultMaxBufferSize is the pending-chunk ceiling when none is configured.
const DefaultMaxBufferSize = 256

// Options configure one stream pipe.
type Options struct {
	Policy        Policy
	MaxBufferSize int
}

type payload struct {
	token string
	ts    time.Time
}

// Stream is a single-producer, single-consumer chunk pipe.
type Stream struct {
	requestID string
	policy    Policy
	now       func() time.Time

	ch     chan payload
	done   chan struct{} // closed once a terminal outcome is set
	cancel chan struct{} // closed when the consumer walks away

	doneOnce   sync.Once
	cancelOnce sync.Once

	mu     sync.Mutex
	reason string
	err    error

	// consumer-side state, no lock needed
	seq          int
	terminalSent bool
}

// New creates a pipe for one request. Zero-value options mean PolicyBuffer
// with DefaultMaxBufferSize.
func New(requestID string, opts Options) *Stream {
	if opts.Policy == "" {
		opts.Policy = PolicyBuffer
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	return &Stream{
		requestID: requestID,
		policy:    opts.Policy,
		now:       time.Now,
		ch:        make(chan payload, opts.MaxBufferSize),
		done:      make(chan struct{}),
		cancel:    make(chan struct{}),
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Stream) WithClock(now func() time.Time) *Stream {
	s.now = now
	return s
}

// Emit pushes one token. It returns an error when the stream has already
// terminated, the consumer cancelled, or the overflow policy refuses the
// token; the producer must stop pulling from the backend on any error.
func (s *Stream) Emit(ctx context.Context, token string) error {
	select {
	case <-s.done:
		return errs.New(errs.RuntimeCancelled).With("request_id", s.requestID)
	case <-s.cancel:
		return s.consumerGone()
	default:
	}

	p := payload{token: token, ts: s.now()}
	switch s.policy {
	case PolicyDropOldest:
		for {
			select {
			case s.ch <- p:
				return nil
			default:
			}
			select {
			case <-s.ch:
			default:
			}
		}
	case PolicyLatest:
		// Drop everything pending so only the newest token survives.
		for {
			select {
			case <-s.ch:
				continue
			default:
			}
			break
		}
		s.ch <- p
		return nil
	case PolicyError:
		select {
		case s.ch <- p:
			return nil
		default:
			err := errs.Newf(errs.StreamOverflow, "consumer fell %d chunks behind", cap(s.ch)).
				With("request_id", s.requestID)
			s.Fail(err)
			return err
		}
	default: // PolicyBuffer
		select {
		case s.ch <- p:
			return nil
		case <-s.cancel:
			return s.consumerGone()
		case <-ctx.Done():
			return errs.Wrap(errs.RuntimeCancelled, ctx.Err()).With("request_id", s.requestID)
		}
	}
}

// Complete marks the stream finished. The consumer receives one terminal
// chunk carrying reason after draining pending tokens. An empty reason
// defaults to stop.
func (s *Stream) Complete(reason string) {
	if reason == "" {
		reason = models.FinishReasonStop
	}
	s.finish(reason, nil)
}

// Fail marks the stream failed. The consumer receives a synthesized terminal
// chunk with finish reason error, and Err returns err afterwards.
func (s *Stream) Fail(err error) {
	s.finish(models.FinishReasonError, err)
}

// Cancel tells the producer to stop. Emit returns an error from now on so
// the adapter releases its backend connection.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
	s.finish(models.FinishReasonCancelled, errs.New(errs.RuntimeCancelled).With("request_id", s.requestID))
}

func (s *Stream) finish(reason string, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Recv returns the next chunk. Pending tokens are drained before the
// terminal chunk is delivered; after the terminal chunk Recv returns io.EOF.
// Context cancellation cancels the stream.
func (s *Stream) Recv(ctx context.Context) (models.StreamChunk, error) {
	if s.terminalSent {
		return models.StreamChunk{}, io.EOF
	}

	select {
	case p := <-s.ch:
		return s.tokenChunk(p), nil
	default:
	}

	select {
	case p := <-s.ch:
		return s.tokenChunk(p), nil
	case <-s.done:
		// The producer finished while tokens may still be buffered.
		select {
		case p := <-s.ch:
			return s.tokenChunk(p), nil
		default:
		}
		return s.terminalChunk(), nil
	case <-ctx.Done():
		s.Cancel()
		return models.StreamChunk{}, errs.Wrap(errs.RuntimeCancelled, ctx.Err()).
			With("request_id", s.requestID)
	}
}

// Err returns the failure that terminated the stream, if any. Only valid
// after the terminal chunk has been received.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) tokenChunk(p payload) models.StreamChunk {
	c := models.StreamChunk{
		RequestID:      s.requestID,
		SequenceNumber: s.seq,
		Token:          p.token,
		Timestamp:      p.ts,
	}
	s.seq++
	return c
}

func (s *Stream) terminalChunk() models.StreamChunk {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	c := models.StreamChunk{
		RequestID:      s.requestID,
		SequenceNumber: s.seq,
		IsComplete:     true,
		FinishReason:   reason,
		Timestamp:      s.now(),
	}
	s.seq++
	s.terminalSent = true
	return c
}

func (s *Stream) consumerGone() error {
	return errs.New(errs.RuntimeCancelled).
		With("request_id", s.requestID).
		With("cause", "consumer cancelled")
}
