package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fallback tries a primary backend and switches to a secondary one only if
// the primary fails, or stays silent past firstFragmentTimeout, before its
// first fragment. Once a fragment has been delivered the primary owns the
// turn and later failures surface unchanged.
type Fallback struct {
	primary              Backend
	secondary            Backend
	firstFragmentTimeout time.Duration
	onSwitch             func(err error)
}

var _ Backend = (*Fallback)(nil)

// NewFallback wires primary and secondary. onSwitch, when non-nil, is called
// with the primary's failure each time the secondary takes over.
func NewFallback(primary, secondary Backend, firstFragmentTimeout time.Duration, onSwitch func(err error)) *Fallback {
	return &Fallback{
		primary:              primary,
		secondary:            secondary,
		firstFragmentTimeout: firstFragmentTimeout,
		onSwitch:             onSwitch,
	}
}

func (f *Fallback) Name() string { return f.primary.Name() }

func (f *Fallback) Stream(ctx context.Context, req Request) (*Stream, error) {
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		delivered, primaryErr := f.tryPrimary(ctx, req, emit)
		if primaryErr == nil || delivered {
			return primaryErr
		}
		if errors.Is(primaryErr, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if f.secondary == nil {
			return primaryErr
		}
		if f.onSwitch != nil {
			f.onSwitch(primaryErr)
		}

		secondary, err := f.secondary.Stream(ctx, req)
		if err != nil {
			return fmt.Errorf("primary: %w; secondary: %v", primaryErr, err)
		}
		defer secondary.Close()
		for secondary.Next() {
			if !emit(secondary.Fragment()) {
				return ctx.Err()
			}
		}
		return secondary.Err()
	}), nil
}

// tryPrimary reports whether any fragment reached the consumer along with
// the primary's terminal error.
func (f *Fallback) tryPrimary(ctx context.Context, req Request, emit func(string) bool) (bool, error) {
	primary, err := f.primary.Stream(ctx, req)
	if err != nil {
		return false, err
	}
	defer primary.Close()

	got := make(chan bool, 1)
	go func() { got <- primary.Next() }()

	var timeout <-chan time.Time
	if f.firstFragmentTimeout > 0 && f.secondary != nil {
		timer := time.NewTimer(f.firstFragmentTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ok := <-got:
		if !ok {
			return false, primary.Err()
		}
	case <-timeout:
		primary.Close()
		<-got
		return false, ErrFirstFragmentTimeout
	case <-ctx.Done():
		primary.Close()
		<-got
		return false, ctx.Err()
	}

	if !emit(primary.Fragment()) {
		return true, ctx.Err()
	}
	for primary.Next() {
		if !emit(primary.Fragment()) {
			return true, ctx.Err()
		}
	}
	return true, primary.Err()
}

// Complete falls back on any primary error other than cancellation.
func (f *Fallback) Complete(ctx context.Context, req Request) (string, error) {
	text, err := f.primary.Complete(ctx, req)
	if err == nil || f.secondary == nil || ctx.Err() != nil {
		return text, err
	}
	if f.onSwitch != nil {
		f.onSwitch(err)
	}
	text, serr := f.secondary.Complete(ctx, req)
	if serr != nil {
		return "", fmt.Errorf("primary: %w; secondary: %v", err, serr)
	}
	return text, nil
}
