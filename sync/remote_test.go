package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/huykn/triage-edge/types"
)

func TestHTTPRemoteUpsertAndDelete(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		bodies   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		if r.Header.Get("Idempotency-Key") == "" {
			t.Errorf("Expected Idempotency-Key header")
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL+"/", server.Client())
	ctx := context.Background()

	err := remote.Apply(ctx, types.PendingWrite{Seq: 1, Type: types.WritePatientUpsert, RecordID: "p 1", Payload: []byte(`{"id":"p 1"}`)})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	// 404 on delete means the remote already forgot the record.
	err = remote.Apply(ctx, types.PendingWrite{Seq: 2, Type: types.WritePatientDelete, RecordID: "p 1"})
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(requests))
	}
	if requests[0] != "PUT /api/patients/p 1" {
		t.Fatalf("Unexpected upsert request: %s", requests[0])
	}
	if bodies[0] != `{"id":"p 1"}` {
		t.Fatalf("Unexpected upsert body: %s", bodies[0])
	}
	if requests[1] != "DELETE /api/patients/p 1" {
		t.Fatalf("Unexpected delete request: %s", requests[1])
	}
}

func TestHTTPRemoteRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, server.Client())
	err := remote.Apply(context.Background(), types.PendingWrite{Type: types.WritePatientUpsert, RecordID: "p-1"})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestHTTPRemoteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	remote := NewHTTPRemote(url, nil)
	err := remote.Apply(context.Background(), types.PendingWrite{Type: types.WritePatientUpsert, RecordID: "p-1"})
	if !errors.Is(err, types.ErrNetworkFailure) {
		t.Fatalf("Expected ErrNetworkFailure, got %v", err)
	}
}

func TestHTTPRemoteUnknownType(t *testing.T) {
	remote := NewHTTPRemote("http://example.invalid", nil)
	if err := remote.Apply(context.Background(), types.PendingWrite{Type: "other", RecordID: "x"}); err == nil {
		t.Fatal("Expected error for unknown write type")
	}
}
