package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/huykn/triage-edge/types"
)

// Remote replays one pending write against the system of record.
// Implementations must tolerate duplicate submission of the same write.
type Remote interface {
	Apply(ctx context.Context, write types.PendingWrite) error
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRemote replays writes against a REST API:
//
//	patient.upsert  PUT    {BaseURL}/api/patients/{id}
//	patient.delete  DELETE {BaseURL}/api/patients/{id}
//
// A 404 on delete counts as acknowledged.
type HTTPRemote struct {
	baseURL string
	client  Doer
}

// NewHTTPRemote creates a remote for baseURL. A nil client uses http.DefaultClient.
func NewHTTPRemote(baseURL string, client Doer) *HTTPRemote {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Apply sends write to the remote API.
func (r *HTTPRemote) Apply(ctx context.Context, write types.PendingWrite) error {
	target := r.baseURL + "/api/patients/" + url.PathEscape(write.RecordID)

	var (
		method string
		body   io.Reader
	)
	switch write.Type {
	case types.WritePatientUpsert:
		method = http.MethodPut
		body = bytes.NewReader(write.Payload)
	case types.WritePatientDelete:
		method = http.MethodDelete
	default:
		return fmt.Errorf("unknown write type %q", write.Type)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Lets the remote drop replays of a write it already applied.
	req.Header.Set("Idempotency-Key", write.RecordID+":"+strconv.FormatInt(write.Seq, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, target, types.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%s %s: unexpected status %d", method, target, resp.StatusCode)
}
