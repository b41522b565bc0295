package reference

import "context"

// Deferred is the pending result of an asynchronous resolution.
type Deferred struct {
	done  chan struct{}
	value any
	err   error
}

func newDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

func (d *Deferred) complete(v any, err error) {
	d.value, d.err = v, err
	close(d.done)
}

// Done is closed once the result is available.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Await blocks until the result is available or ctx is done.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
