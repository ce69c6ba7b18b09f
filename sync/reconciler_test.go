package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/huykn/triage-edge/offline"
	"github.com/huykn/triage-edge/types"
)

type recordingRemote struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (r *recordingRemote) Apply(ctx context.Context, write types.PendingWrite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, write.RecordID)
	if err, ok := r.failOn[write.RecordID]; ok {
		return err
	}
	return nil
}

func (r *recordingRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Result
	done   chan struct{}
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{done: make(chan struct{}, 16)}
}

func (b *recordingBroadcaster) Broadcast(eventType string, payload any) {
	if eventType != EventSyncComplete {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, payload.(Result))
	b.mu.Unlock()
	b.done <- struct{}{}
}

func (b *recordingBroadcaster) Events() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Result(nil), b.events...)
}

func openQueue(t *testing.T) *offline.Store {
	t.Helper()
	store, err := offline.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func savePatients(t *testing.T, store *offline.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := &types.PatientRecord{ID: id, Priority: types.PriorityUrgent, Status: types.StatusWaiting}
		if _, err := store.SavePatient(context.Background(), rec); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}
}

func TestReconcilerOfflinePatientsSyncOnReconnect(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	remote := &recordingRemote{}
	broadcaster := newRecordingBroadcaster()
	connectivity := NewConnectivity(false)

	reconciler := NewReconciler(store, remote, connectivity, ReconcilerOptions{Broadcaster: broadcaster})
	defer reconciler.Close()

	savePatients(t, store, "p-1", "p-2", "p-3")
	reconciler.NoteWrite()
	reconciler.Wait()
	if len(remote.Calls()) != 0 {
		t.Fatalf("Expected no remote calls while offline, got %v", remote.Calls())
	}

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		rec, err := store.GetPatient(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", id, err)
		}
		if rec.SyncStatus != types.SyncPending {
			t.Fatalf("Expected %s pending, got %s", id, rec.SyncStatus)
		}
	}

	connectivity.Set(true)
	select {
	case <-broadcaster.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for sync broadcast")
	}
	reconciler.Wait()

	if got := fmt.Sprint(remote.Calls()); got != "[p-1 p-2 p-3]" {
		t.Fatalf("Expected creation order [p-1 p-2 p-3], got %s", got)
	}
	events := broadcaster.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(events))
	}
	if events[0].Count != 3 || events[0].Remaining != 0 {
		t.Fatalf("Expected count 3 remaining 0, got %+v", events[0])
	}

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		rec, err := store.GetPatient(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", id, err)
		}
		if rec.SyncStatus != types.SyncSynced || rec.SyncedAt == nil {
			t.Fatalf("Expected %s synced with a timestamp, got %s", id, rec.SyncStatus)
		}
	}
}

func TestReconcilerResumesAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	remote := &recordingRemote{failOn: map[string]error{"p-2": types.ErrNetworkFailure}}
	broadcaster := newRecordingBroadcaster()

	reconciler := NewReconciler(store, remote, nil, ReconcilerOptions{Broadcaster: broadcaster})
	defer reconciler.Close()

	savePatients(t, store, "p-1", "p-2", "p-3")

	result, err := reconciler.Sync(ctx)
	if !errors.Is(err, types.ErrNetworkFailure) {
		t.Fatalf("Expected ErrNetworkFailure, got %v", err)
	}
	if result.Count != 1 || result.Remaining != 2 || result.Error == "" {
		t.Fatalf("Unexpected result: %+v", result)
	}

	p1, _ := store.GetPatient(ctx, "p-1")
	p2, _ := store.GetPatient(ctx, "p-2")
	p3, _ := store.GetPatient(ctx, "p-3")
	if p1.SyncStatus != types.SyncSynced {
		t.Fatalf("Expected p-1 synced, got %s", p1.SyncStatus)
	}
	if p2.SyncStatus != types.SyncPending || p3.SyncStatus != types.SyncPending {
		t.Fatalf("Expected p-2 and p-3 pending, got %s and %s", p2.SyncStatus, p3.SyncStatus)
	}

	delete(remote.failOn, "p-2")
	result, err = reconciler.Sync(ctx)
	if err != nil {
		t.Fatalf("Failed to resume sync: %v", err)
	}
	if result.Count != 2 || result.Remaining != 0 {
		t.Fatalf("Unexpected result: %+v", result)
	}

	// p-1 is never resubmitted; p-2 is submitted twice.
	if got := fmt.Sprint(remote.Calls()); got != "[p-1 p-2 p-2 p-3]" {
		t.Fatalf("Expected [p-1 p-2 p-2 p-3], got %s", got)
	}
	if len(broadcaster.Events()) != 2 {
		t.Fatalf("Expected 2 broadcasts, got %d", len(broadcaster.Events()))
	}
}

// blockingRemote holds the first Apply until release is closed.
type blockingRemote struct {
	recordingRemote
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRemote() *blockingRemote {
	return &blockingRemote{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRemote) Apply(ctx context.Context, write types.PendingWrite) error {
	r.once.Do(func() {
		close(r.started)
		<-r.release
	})
	return r.recordingRemote.Apply(ctx, write)
}

func waitStarted(t *testing.T, remote *blockingRemote) {
	t.Helper()
	select {
	case <-remote.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the first remote call")
	}
}

func assertQueueDrained(t *testing.T, store *offline.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	remaining, err := store.CountPendingWrites(ctx)
	if err != nil {
		t.Fatalf("Failed to count pending writes: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("Expected no pending writes, got %d", remaining)
	}
	for _, id := range ids {
		rec, err := store.GetPatient(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", id, err)
		}
		if rec.SyncStatus != types.SyncSynced {
			t.Fatalf("Expected %s synced, got %s", id, rec.SyncStatus)
		}
	}
}

func TestReconcilerWriteDuringBatchIsSent(t *testing.T) {
	store := openQueue(t)
	remote := newBlockingRemote()
	reconciler := NewReconciler(store, remote, NewConnectivity(true), ReconcilerOptions{})
	defer reconciler.Close()

	savePatients(t, store, "p-1")
	reconciler.NoteWrite()
	waitStarted(t, remote)

	// queued after the running batch read the queue
	savePatients(t, store, "p-2")
	reconciler.NoteWrite()

	close(remote.release)
	reconciler.Wait()

	if got := fmt.Sprint(remote.Calls()); got != "[p-1 p-2]" {
		t.Fatalf("Expected [p-1 p-2], got %s", got)
	}
	assertQueueDrained(t, store, "p-1", "p-2")
}

func TestReconcilerTriggerDuringExplicitSyncRuns(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	remote := newBlockingRemote()
	reconciler := NewReconciler(store, remote, nil, ReconcilerOptions{})
	defer reconciler.Close()

	savePatients(t, store, "p-1")
	done := make(chan error, 1)
	go func() {
		_, err := reconciler.Sync(ctx)
		done <- err
	}()
	waitStarted(t, remote)

	savePatients(t, store, "p-2")
	reconciler.Trigger("online")

	close(remote.release)
	if err := <-done; err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	reconciler.Wait()

	assertQueueDrained(t, store, "p-1", "p-2")
}

func TestReconcilerEmptyQueue(t *testing.T) {
	store := openQueue(t)
	reconciler := NewReconciler(store, &recordingRemote{}, nil, ReconcilerOptions{})
	defer reconciler.Close()

	result, err := reconciler.Sync(context.Background())
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if result.Count != 0 || result.Remaining != 0 {
		t.Fatalf("Unexpected result: %+v", result)
	}
}

func TestReconcilerAutoSyncDisabled(t *testing.T) {
	store := openQueue(t)
	remote := &recordingRemote{}
	connectivity := NewConnectivity(true)
	reconciler := NewReconciler(store, remote, connectivity, ReconcilerOptions{
		AutoSync: func(context.Context) bool { return false },
	})
	defer reconciler.Close()

	savePatients(t, store, "p-1")
	reconciler.NoteWrite()
	reconciler.Wait()

	if len(remote.Calls()) != 0 {
		t.Fatalf("Expected no automatic sync, got %v", remote.Calls())
	}

	// Explicit requests ignore the toggle.
	result, err := reconciler.Sync(context.Background())
	if err != nil || result.Count != 1 {
		t.Fatalf("Expected explicit sync of 1 record, got %+v, %v", result, err)
	}
}

func TestReconcilerSyncsDeletes(t *testing.T) {
	ctx := context.Background()
	store := openQueue(t)
	remote := &recordingRemote{}
	reconciler := NewReconciler(store, remote, nil, ReconcilerOptions{})
	defer reconciler.Close()

	savePatients(t, store, "p-1")
	if err := store.DeletePatient(ctx, "p-1"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	result, err := reconciler.Sync(ctx)
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("Expected 2 writes replayed, got %d", result.Count)
	}
}
