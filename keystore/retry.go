package keystore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	maxRetries     = 3
	retryBaseDelay = 100 * time.Millisecond

	// deferredWait bounds how long a queued operation may wait for a locked
	// session to become usable before surfacing ErrTimeout.
	deferredWait = 30 * time.Second
)

// errLocked marks failures caused by a locked credential session. The
// retrying wrapper hands such operations to the deferral queue instead of
// backing off in place.
var errLocked = errors.New("credential session locked")

// retryOperation runs op, retrying transient failures with capped
// exponential backoff. Non-retryable failures (not found, permission)
// return immediately.
func retryOperation[T any](op func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := retryBaseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return zero, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission) || errors.Is(err, ErrInvalidKeySize) {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return false
	}
	return true
}

// deferQueue serializes operations that must wait for an interactive unlock
// of the credential session. A single worker drains the queue; each caller
// waits at most deferredWait for its item to complete.
type deferQueue struct {
	items     chan deferredItem
	done      chan struct{}
	closeOnce sync.Once
}

type deferredItem struct {
	op     func() error
	result chan error
}

func newDeferQueue() *deferQueue {
	q := &deferQueue{
		items: make(chan deferredItem, 16),
		done:  make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *deferQueue) worker() {
	for {
		select {
		case item := <-q.items:
			item.result <- item.op()
		case <-q.done:
			return
		}
	}
}

// run queues op and waits for its completion, bounded by deferredWait.
func (q *deferQueue) run(op func() error) error {
	item := deferredItem{op: op, result: make(chan error, 1)}

	select {
	case q.items <- item:
	case <-time.After(deferredWait):
		return fmt.Errorf("%w: queue full after %s", ErrTimeout, deferredWait)
	case <-q.done:
		return fmt.Errorf("%w: queue closed", ErrUnavailable)
	}

	select {
	case err := <-item.result:
		return err
	case <-time.After(deferredWait):
		return fmt.Errorf("%w: no unlock within %s", ErrTimeout, deferredWait)
	}
}

// close is idempotent; Store.Close may be called more than once.
func (q *deferQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
