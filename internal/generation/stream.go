package generation

import (
	"context"
)

// Stream is a lazy, finite sequence of text fragments fed by a producer
// goroutine. It follows the iterator shape of the provider SDKs:
//
//	for s.Next() {
//		use(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
//
// A Stream cannot be restarted. Close, or cancelling the context it was
// created with, stops the producer and releases the upstream connection.
type Stream struct {
	frags  chan string
	cancel context.CancelFunc
	cur    string
	err    error
}

// Producer pushes fragments through emit until done. emit returns false once
// the consumer has gone away; the producer should then return promptly.
type Producer func(ctx context.Context, emit func(fragment string) bool) error

func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frags:  make(chan string),
		cancel: cancel,
	}
	go func() {
		defer close(s.frags)
		aborted := false
		err := produce(ctx, func(fragment string) bool {
			if fragment == "" {
				return true
			}
			select {
			case s.frags <- fragment:
				return true
			case <-ctx.Done():
				aborted = true
				return false
			}
		})
		if err == nil && aborted {
			err = ctx.Err()
		}
		s.err = err
	}()
	return s
}

// Next advances to the next fragment. It returns false when the stream is
// exhausted, failed or was closed.
func (s *Stream) Next() bool {
	f, ok := <-s.frags
	if !ok {
		return false
	}
	s.cur = f
	return true
}

func (s *Stream) Fragment() string { return s.cur }

// Err reports why the stream ended. It is only meaningful once Next has
// returned false or Close has returned.
func (s *Stream) Err() error { return s.err }

// Close cancels the producer and waits for it to stop.
func (s *Stream) Close() {
	s.cancel()
	for range s.frags {
	}
}

// FromFragments returns a stream that yields the given fragments and then err.
func FromFragments(ctx context.Context, fragments []string, err error) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for _, f := range fragments {
			if !emit(f) {
				return ctx.Err()
			}
		}
		return err
	})
}
