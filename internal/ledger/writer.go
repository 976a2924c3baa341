package ledger

import (
	"context"
	"sync"
	"time"

	"contestbot/internal/logging"
	"contestbot/internal/metrics"
)

const (
	defaultQueueSize     = 64
	defaultAppendTimeout = 30 * time.Second
)

// WriterOptions configures NewWriter.
type WriterOptions struct {
	QueueSize     int
	AppendTimeout time.Duration
}

type job struct {
	row  Row
	done func(error)
}

// Writer owns a single goroutine that drains queued rows into a Mirror.
// Enqueue never blocks; outcomes are delivered to the per-row callback on
// the writer goroutine.
type Writer struct {
	mirror  Mirror
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

// NewWriter starts the writer goroutine. Call Close to drain and stop it.
func NewWriter(m Mirror, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = defaultAppendTimeout
	}
	w := &Writer{
		mirror:  m,
		timeout: opts.AppendTimeout,
		jobs:    make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	logging.LedgerDebug("Ledger writer started (queue=%d timeout=%s)", opts.QueueSize, opts.AppendTimeout)
	return w
}

// Enqueue schedules row for appending and returns immediately. done may be
// nil. A full or closed queue fails the row through done before returning.
func (w *Writer) Enqueue(row Row, done func(error)) {
	key := rowKey(row)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.fail(key, ErrWriterClosed, done)
		return
	}
	select {
	case w.jobs <- job{row: row, done: done}:
		metrics.MirrorQueueDepth.Set(float64(len(w.jobs)))
		w.mu.RUnlock()
		return
	default:
	}
	w.mu.RUnlock()
	w.fail(key, ErrQueueFull, done)
}

func (w *Writer) fail(key string, err error, done func(error)) {
	metrics.MirrorAppends.WithLabelValues("dropped").Inc()
	logging.LedgerWarn("Ledger row %s dropped: %v", key, err)
	if done != nil {
		done(&MirrorError{Key: key, Err: err})
	}
}

// Pending returns the number of queued rows.
func (w *Writer) Pending() int {
	return len(w.jobs)
}

// Close stops accepting rows and waits for queued rows to be appended or for
// ctx to end, whichever comes first.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		logging.LedgerDebug("Ledger writer drained")
		return nil
	case <-ctx.Done():
		logging.LedgerWarn("Ledger writer close interrupted with %d rows pending", len(w.jobs))
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.jobs {
		metrics.MirrorQueueDepth.Set(float64(len(w.jobs)))
		w.process(j)
	}
}

func (w *Writer) process(j job) {
	key := rowKey(j.row)
	timer := logging.StartTimer(logging.CategoryLedger, "Append "+key)

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	start := time.Now()
	err := w.mirror.Append(ctx, j.row)
	cancel()
	metrics.MirrorLatency.Observe(time.Since(start).Seconds())
	timer.Stop()

	if err != nil {
		metrics.MirrorAppends.WithLabelValues("failed").Inc()
		logging.LedgerWarn("Ledger append failed for %s: %v", key, err)
		err = &MirrorError{Key: key, Err: err}
	} else {
		metrics.MirrorAppends.WithLabelValues("ok").Inc()
		logging.Ledger("Ledger row %s appended", key)
	}
	if j.done != nil {
		j.done(err)
	}
}

func rowKey(row Row) string {
	if len(row) == 0 {
		return ""
	}
	return row[0]
}
