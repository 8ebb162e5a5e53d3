package pipeline

import "sync"

// CancelToken is a cooperative cancellation signal shared between the
// caller and one run. It is consulted at every suspension point: before
// each step attempt, during backoff waits, and between state transitions.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Idempotent.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been set.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is set.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
