package coordinator

import (
	"time"

	"github.com/velesio/atrium/internal/logging"
	"github.com/velesio/atrium/internal/metrics"
)

// worker is a short-lived per-reservation task. The success hook runs only
// when the body returns nil; a failed worker is simply garbage-collected and
// the next control-loop tick converges.
type worker struct {
	kind string
	done chan struct{}
	err  error
}

func newWorker(kind string) *worker {
	return &worker{kind: kind, done: make(chan struct{})}
}

// start launches the worker body. done is closed after the success hook has
// run, so Wait observes the complete transition.
func (w *worker) start(run func() error, onSuccess func()) {
	go func() {
		started := time.Now()
		defer func() {
			metrics.RecordWorkerDuration(w.kind, time.Since(started))
			close(w.done)
		}()
		if err := run(); err != nil {
			w.err = err
			logging.Op().Error("worker failed", "kind", w.kind, "error", err)
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	}()
}

// Running reports whether the worker has not yet terminated.
func (w *worker) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the worker has terminated.
func (w *worker) Wait() {
	<-w.done
}

// Err returns the worker failure, if any. Valid after Wait.
func (w *worker) Err() error {
	return w.err
}
