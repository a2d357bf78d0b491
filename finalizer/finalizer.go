package finalizer

import (
	"context"
	"fmt"
	"io"
)

// Finalizer collects io.Closers from a constructor so they can be closed
// together, in reverse order, on cleanup or on a failed build.
type Finalizer struct {
	closers []io.Closer
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Add appends closers to the finalization list.
func (f *Finalizer) Add(cs ...io.Closer) {
	f.closers = append(f.closers, cs...)
}

// AddFn appends plain functions to the finalization list.
func (f *Finalizer) AddFn(fns ...func()) {
	for _, fn := range fns {
		f.closers = append(f.closers, &fnCloser{fn: fn})
	}
}

// Cleanup closes everything added so far in reverse order. The passed
// error is returned unchanged when non-nil; otherwise the first close
// error, if any, is returned.
func (f *Finalizer) Cleanup(err error) error {
	for i := len(f.closers) - 1; i >= 0; i-- {
		if cerr := f.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	f.closers = nil
	return err
}

// Cleanupf is like Cleanup but wraps a non-nil result with format, which
// must contain a single error verb.
func (f *Finalizer) Cleanupf(format string, err error) error {
	if err := f.Cleanup(err); err != nil {
		return fmt.Errorf(format, err)
	}
	return nil
}

// NewContextCloser wraps a context cancel func as an io.Closer.
func NewContextCloser(cancel context.CancelFunc) io.Closer {
	return &contextCloser{cancel: cancel}
}

type contextCloser struct {
	cancel context.CancelFunc
}

func (c *contextCloser) Close() error {
	c.cancel()
	return nil
}

type fnCloser struct {
	fn func()
}

func (c *fnCloser) Close() error {
	c.fn()
	return nil
}
