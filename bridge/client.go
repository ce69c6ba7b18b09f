package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huykn/triage-edge/types"
)

// DefaultTimeout bounds a Call when the client is created without one.
const DefaultTimeout = 5 * time.Second

// Transport delivers a message to the agent. The reply, if any, is handed
// to deliver, possibly from another goroutine.
type Transport interface {
	Send(ctx context.Context, msg Message, deliver func(Reply)) error
}

// Client issues calls over a Transport. Each call waits on its own
// correlation id and resolves to types.ErrTimeout when unanswered.
type Client struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewClient creates a client. A non-positive timeout uses DefaultTimeout.
func NewClient(transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[string]chan Reply),
	}
}

// Pending returns the number of unanswered calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends op with payload and decodes the reply data into out when out
// is non-nil. A failed operation is returned as *Failure.
func (c *Client) Call(ctx context.Context, op string, payload any, out any) error {
	msg := Message{Type: op, ID: uuid.NewString()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
		msg.Payload = data
	}

	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer c.forget(msg.ID)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	if err := c.transport.Send(ctx, msg, c.deliver); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case reply := <-ch:
		if !reply.Success {
			if reply.Error == nil {
				return &Failure{Op: op, Message: "operation failed"}
			}
			return reply.Error
		}
		if out != nil && len(reply.Data) > 0 {
			if err := json.Unmarshal(reply.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", op, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s after %s: %w", op, c.timeout, types.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) deliver(reply Reply) {
	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	delete(c.pending, reply.ID)
	c.mu.Unlock()
	if !ok {
		// late reply to a call that already timed out
		return
	}
	ch <- reply
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pipe is an in-process transport to a Dispatcher.
type Pipe struct {
	dispatcher *Dispatcher
	wg         sync.WaitGroup
}

// NewPipe creates a transport that dispatches messages on their own goroutine.
func NewPipe(d *Dispatcher) *Pipe {
	return &Pipe{dispatcher: d}
}

// Send dispatches msg asynchronously. The handler keeps running when the
// caller gives up.
func (p *Pipe) Send(ctx context.Context, msg Message, deliver func(Reply)) error {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		deliver(p.dispatcher.Dispatch(ctx, msg))
	}()
	return nil
}

// Wait blocks until every dispatched message has been answered.
func (p *Pipe) Wait() {
	p.wg.Wait()
}
