package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AuditLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// LogAction serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("result", event.Result),
		slog.String("reason", event.Reason),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// DefaultAuditQueueSize is the number of events buffered before Record drops.
const DefaultAuditQueueSize = 1024

// AuditTrail queues audit events and writes them to a sink on a single
// background goroutine. Record never blocks: when the queue is full the
// event is dropped and counted.
type AuditTrail struct {
	sink    AuditSink
	logger  *slog.Logger
	queue   chan AuditEvent
	dropped atomic.Int64
	onDrop  func()
	now     func() time.Time

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	started bool
	done    chan struct{}
}

// NewAuditTrail creates an AuditTrail writing to sink. Call Start to begin
// draining the queue and Close to flush it.
func NewAuditTrail(sink AuditSink, queueSize int, logger *slog.Logger) *AuditTrail {
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}
	return &AuditTrail{
		sink:   sink,
		logger: logger,
		queue:  make(chan AuditEvent, queueSize),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// OnDrop registers a callback invoked for every dropped event.
func (t *AuditTrail) OnDrop(fn func()) {
	t.onDrop = fn
}

// Start launches the writer goroutine. Calls after the first are no-ops.
func (t *AuditTrail) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
}

func (t *AuditTrail) startLocked() {
	if t.started {
		return
	}
	t.started = true
	go t.run()
}

// Record stamps the event with an ID and timestamp if missing and queues it.
func (t *AuditTrail) Record(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now().UTC()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- event:
	default:
		if n := t.dropped.Add(1); n == 1 || n%1000 == 0 {
			t.logger.Warn("audit queue full, dropping events", slog.Int64("dropped_total", n))
		}
		if t.onDrop != nil {
			t.onDrop()
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (t *AuditTrail) Dropped() int64 {
	return t.dropped.Load()
}

// Close stops accepting events, drains the queue and closes the sink.
// Events recorded after Close are discarded. A trail that was never
// started is started here so queued events are still written.
func (t *AuditTrail) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.startLocked()
	t.mu.Unlock()
	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("flushing audit trail: %w", ctx.Err())
	}
	return t.sink.Close()
}

func (t *AuditTrail) run() {
	defer close(t.done)
	for event := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.sink.LogAction(ctx, event); err != nil {
			t.logger.Error("audit write failed",
				slog.String("action", event.Action),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

var _ Auditor = (*AuditTrail)(nil)
