package llm

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DeltaStream yields text deltas of a streaming completion in order.
// Recv returns io.EOF once the provider signalled completion. A failure
// after output started is returned as a *StreamError. Cancellation of the
// stream's own context is returned as is.
type DeltaStream struct {
	ctx    context.Context
	next   func() (string, error)
	closer func() error

	family    FamilyID
	pending   []string
	delivered int
	err       error
	onFail    func(error)

	closeOnce sync.Once
	closeErr  error
}

func newDeltaStream(ctx context.Context, next func() (string, error), closer func() error) *DeltaStream {
	return &DeltaStream{ctx: ctx, next: next, closer: closer}
}

// Recv returns the next delta.
func (s *DeltaStream) Recv() (string, error) {
	if len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]
		s.delivered++
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}

	d, err := s.next()
	switch {
	case err == nil:
		s.delivered++
		return d, nil
	case errors.Is(err, io.EOF):
		s.err = io.EOF
	case s.ctx != nil && s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case errors.Is(err, context.Canceled):
		s.err = err
	case s.delivered > 0:
		s.err = &StreamError{Family: s.family, Delivered: s.delivered, Err: err}
		if s.onFail != nil {
			s.onFail(err)
		}
	default:
		s.err = err
	}
	s.Close()
	return "", s.err
}

// Delivered reports how many deltas have been returned so far.
func (s *DeltaStream) Delivered() int { return s.delivered }

// Close releases the underlying connection. It is safe to call repeatedly.
func (s *DeltaStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// unread pushes a peeked delta back in front of the stream.
func (s *DeltaStream) unread(d string) {
	s.delivered--
	s.pending = append([]string{d}, s.pending...)
}

// Collect drains the stream into a single string.
func Collect(s *DeltaStream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, d...)
	}
}

// SliceStream returns a stream that yields the given deltas then io.EOF.
// An optional err replaces io.EOF after the last delta.
func SliceStream(deltas []string, err error) *DeltaStream {
	i := 0
	return newDeltaStream(nil, func() (string, error) {
		if i < len(deltas) {
			i++
			return deltas[i-1], nil
		}
		if err != nil {
			return "", err
		}
		return "", io.EOF
	}, nil)
}
