package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/huykn/triage-edge/types"
)

// EventSyncComplete is the broadcast type sent after every batch.
const EventSyncComplete = "SYNC_COMPLETE"

// Queue is the durable pending-write queue drained by the Reconciler.
type Queue interface {
	PendingWrites(ctx context.Context) ([]types.PendingWrite, error)
	AckWrite(ctx context.Context, seq int64, syncedAt time.Time) error
	CountPendingWrites(ctx context.Context) (int, error)
}

// Broadcaster delivers an event to every connected foreground.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Logger is the logging surface used by the reconciler.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Result summarises one reconciliation batch.
type Result struct {
	Count     int    `json:"count"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// Interval is the period of the background trigger started by Run.
	Interval time.Duration

	// AutoSync reports whether automatic triggers may start a batch.
	// Explicit Sync calls always run. Nil means enabled.
	AutoSync func(ctx context.Context) bool

	Broadcaster Broadcaster
	Logger      Logger
	Now         func() time.Time
}

// Reconciler drains pending writes against a Remote in FIFO order. A batch
// stops at the first failure, leaving that write and everything after it
// queued for the next trigger.
type Reconciler struct {
	queue        Queue
	remote       Remote
	connectivity *Connectivity
	options      ReconcilerOptions

	group singleflight.Group

	mu           sync.Mutex
	offlineWrite bool
	// requested counts triggers; covered is the count seen by the latest
	// batch before it read the queue. requested > covered means a trigger
	// arrived after that read.
	requested uint64
	covered   uint64
	looping   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. When connectivity is non-nil, every
// offline to online transition triggers a batch.
func NewReconciler(queue Queue, remote Remote, connectivity *Connectivity, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		queue:        queue,
		remote:       remote,
		connectivity: connectivity,
		options:      opts,
		ctx:          ctx,
		cancel:       cancel,
	}
	if connectivity != nil {
		connectivity.OnChange(r.handleConnectivity)
	}
	return r
}

// Sync runs one batch. Concurrent callers share the batch in flight.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	v, err, _ := r.group.Do("sync", func() (any, error) {
		return r.run(ctx)
	})
	result, _ := v.(Result)
	return result, err
}

func (r *Reconciler) run(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("github.com/huykn/triage-edge/sync").Start(ctx, "sync.reconcile")
	defer span.End()

	r.mu.Lock()
	r.covered = r.requested
	r.mu.Unlock()

	var result Result
	batchErr := r.drain(ctx, &result)

	remaining, err := r.queue.CountPendingWrites(ctx)
	if err != nil && batchErr == nil {
		batchErr = err
	}
	result.Remaining = remaining
	if batchErr != nil {
		result.Error = batchErr.Error()
		span.RecordError(batchErr)
		span.SetStatus(codes.Error, batchErr.Error())
	}
	span.SetAttributes(
		attribute.Int("sync.count", result.Count),
		attribute.Int("sync.remaining", result.Remaining),
	)

	if r.options.Broadcaster != nil {
		r.options.Broadcaster.Broadcast(EventSyncComplete, result)
	}
	r.options.Logger.Info("Sync batch finished", "count", result.Count, "remaining", result.Remaining)
	return result, batchErr
}

func (r *Reconciler) drain(ctx context.Context, result *Result) error {
	writes, err := r.queue.PendingWrites(ctx)
	if err != nil {
		return fmt.Errorf("read pending writes: %w", err)
	}
	for _, write := range writes {
		if err := r.remote.Apply(ctx, write); err != nil {
			r.options.Logger.Warn("Sync: write failed, stopping batch",
				"seq", write.Seq, "type", write.Type, "record", write.RecordID, "error", err)
			return fmt.Errorf("sync %s %s: %w", write.Type, write.RecordID, err)
		}
		if err := r.queue.AckWrite(ctx, write.Seq, r.options.Now()); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				// cleared concurrently
				continue
			}
			r.options.Logger.Error("Sync: failed to acknowledge write", "seq", write.Seq, "error", err)
			return fmt.Errorf("ack write %d: %w", write.Seq, err)
		}
		result.Count++
	}
	return nil
}

// NoteWrite tells the reconciler a write was queued. Online, a batch starts
// in the background; offline, the write is flushed on the next transition
// to online.
func (r *Reconciler) NoteWrite() {
	if r.connectivity != nil && !r.connectivity.Online() {
		r.mu.Lock()
		r.offlineWrite = true
		r.mu.Unlock()
		return
	}
	r.Trigger("write")
}

// Trigger starts a background batch unless automatic sync is disabled.
// A trigger that lands on a running batch is not folded into it: once that
// batch returns, another one runs so writes queued meanwhile are sent.
func (r *Reconciler) Trigger(reason string) {
	if r.ctx.Err() != nil {
		return
	}
	if r.options.AutoSync != nil && !r.options.AutoSync(r.ctx) {
		return
	}
	r.mu.Lock()
	r.requested++
	if r.looping {
		r.mu.Unlock()
		return
	}
	r.looping = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			if _, err := r.Sync(r.ctx); err != nil {
				r.options.Logger.Warn("Background sync failed", "reason", reason, "error", err)
			}
			r.mu.Lock()
			if r.covered >= r.requested || r.ctx.Err() != nil {
				r.looping = false
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			reason = "rerun"
		}
	}()
}

func (r *Reconciler) handleConnectivity(online bool) {
	if !online {
		return
	}
	r.mu.Lock()
	flushing := r.offlineWrite
	r.offlineWrite = false
	r.mu.Unlock()

	reason := "online"
	if flushing {
		reason = "offline-writes"
	}
	r.Trigger(reason)
}

// Run triggers a batch every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Trigger("periodic")
		}
	}
}

// Wait blocks until background batches finish.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close cancels background batches and waits for them to return.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
