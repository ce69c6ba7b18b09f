package sync

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Connectivity tracks whether the network is reachable and notifies
// listeners on every transition.
type Connectivity struct {
	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// NewConnectivity creates a monitor in the given initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

// Online reports the last known state.
func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// OnChange registers a callback run after each transition.
func (c *Connectivity) OnChange(callback func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, callback)
}

// Set records the current state. Listeners run only when the state changes.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	listeners := c.listeners
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(online)
	}
}

// Probe sends a HEAD request to probeURL and records the outcome. Any
// response, whatever its status, means the network is reachable.
func (c *Connectivity) Probe(ctx context.Context, client Doer, probeURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return c.Online()
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return c.Online()
		}
		c.Set(false)
		return false
	}
	resp.Body.Close()
	c.Set(true)
	return true
}

// RunProbe probes every interval until ctx is done.
func (c *Connectivity) RunProbe(ctx context.Context, client Doer, probeURL string, interval time.Duration) {
	if probeURL == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		c.Probe(probeCtx, client, probeURL)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
