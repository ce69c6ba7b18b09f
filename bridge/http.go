package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huykn/triage-edge/cache"
)

// MaxMessageBytes bounds a request envelope accepted over HTTP.
const MaxMessageBytes = 32 << 20

// Handler serves a Dispatcher over HTTP. POST delivers one Message and
// answers its Reply.
func Handler(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxMessageBytes)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, failure("", "", fmt.Errorf("decode message: %w", err)))
			return
		}
		// operations may be shared with other callers, so a client that
		// goes away does not cancel them
		writeJSON(w, http.StatusOK, d.Dispatch(context.WithoutCancel(r.Context()), msg))
	})
}

// EventsHandler streams hub events as server-sent events until the client
// disconnects.
func EventsHandler(hub *Hub, logger cache.Logger) http.Handler {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		events, unsubscribe := hub.Subscribe(32)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		// comment line so clients see the stream open
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		keepAlive := time.NewTicker(30 * time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.Warn("Bridge: failed to encode event", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			}
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport sends messages to an agent's bridge endpoint.
type HTTPTransport struct {
	url    string
	client Doer
}

// NewHTTPTransport creates a transport posting to url. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(url string, client Doer) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{url: url, client: client}
}

// Send posts msg and delivers the reply from a background goroutine.
// Transport errors are delivered as failures so the caller never waits on
// a reply that cannot come.
func (t *HTTPTransport) Send(ctx context.Context, msg Message, deliver func(Reply)) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	go func() {
		resp, err := t.client.Do(req)
		if err != nil {
			deliver(failure(msg.ID, msg.Type, err))
			return
		}
		defer resp.Body.Close()
		var reply Reply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			deliver(failure(msg.ID, msg.Type, fmt.Errorf("decode reply: %w", err)))
			return
		}
		reply.ID = msg.ID
		deliver(reply)
	}()
	return nil
}
