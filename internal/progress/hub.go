package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 1024).
//   - MaxBatchEvents: flush once this many events are pending (default 100).
//   - MaxBatchWait: flush pending events after this long (default 500ms).
//   - SinkTimeout: per-sink deadline while flushing (default 5s).
type HubConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches events on a background goroutine and hands each batch to every
// sink. Emit never blocks; events that do not fit in the buffer are dropped.
type Hub struct {
	cfg     HubConfig
	sinks   []Sink
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// NewHub starts a Hub that fans out to sinks.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastLog.Load()
		if now-last >= dropLogInterval.Nanoseconds() && h.lastLog.CompareAndSwap(last, now) {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close flushes pending events, closes the sinks and waits for the background
// goroutine, or for ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		default:
			h.flush(batch)
			for _, sink := range h.sinks {
				ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
				if err := sink.Close(ctx); err != nil {
					h.logger.Warn("progress sink close failed", zap.Error(err))
				}
				cancel()
			}
			return
		}
	}
}

// flush hands batch to every sink and returns the emptied slice for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}
