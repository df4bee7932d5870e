// Package usage records usage events asynchronously. Record never blocks the
// response path and never surfaces a failure to the caller; dropped or
// rejected events are only visible through metrics and logs.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oropendola/modelgate/internal/metrics"
	"github.com/oropendola/modelgate/pkg/entitlement"
)

const (
	defaultBufferSize = 1024
	defaultWorkers    = 2
	appendTimeout     = 5 * time.Second
)

// Recorder drains usage events into the entitlement store from a bounded
// queue. Ordering across events is not guaranteed.
type Recorder struct {
	store   entitlement.Store
	events  chan entitlement.UsageEvent
	logger  *slog.Logger
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewRecorder starts a recorder with the given queue capacity and worker
// count. Zero values get defaults.
func NewRecorder(store entitlement.Store, bufferSize, workers int, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:   store,
		events:  make(chan entitlement.UsageEvent, bufferSize),
		logger:  logger,
		closing: make(chan struct{}),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.drain()
	}
	return r
}

// Record enqueues an event without blocking. When the queue is full the
// event is dropped and counted; the request path is never delayed.
func (r *Recorder) Record(event entitlement.UsageEvent) {
	select {
	case <-r.closing:
		metrics.UsageEventsDropped.WithLabelValues("closed").Inc()
		return
	default:
	}

	select {
	case r.events <- event:
	default:
		metrics.UsageEventsDropped.WithLabelValues("queue_full").Inc()
		r.logger.Warn("usage queue full, event dropped",
			"account", event.AccountID,
			"model", event.Model,
		)
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.events:
			r.append(event)
		case <-r.closing:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case event := <-r.events:
					r.append(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) append(event entitlement.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.store.AppendUsage(ctx, event); err != nil {
		metrics.UsageEventsDropped.WithLabelValues("store_error").Inc()
		r.logger.Error("usage append failed",
			"account", event.AccountID,
			"model", event.Model,
			"error", err,
		)
	}
}

// Close stops intake, flushes queued events, and waits for the workers.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.closing) })
	r.wg.Wait()
}
