package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/huykn/triage-edge/cache"
)

// HandlerFunc answers one operation. The returned value is encoded as the
// reply data.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher routes messages to registered operation handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   cache.Logger
}

// NewDispatcher creates an empty dispatcher. A nil logger discards output.
func NewDispatcher(logger cache.Logger) *Dispatcher {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Handle registers h for op, replacing any previous handler.
func (d *Dispatcher) Handle(op string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// Operations lists registered operation names.
func (d *Dispatcher) Operations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Dispatch runs the handler for msg and always returns exactly one reply.
// Unknown operations and handler panics become failures.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (reply Reply) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		return failure(msg.ID, msg.Type, fmt.Errorf("unknown operation %q", msg.Type))
	}

	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Bridge handler panicked", "op", msg.Type, "panic", p)
			reply = failure(msg.ID, msg.Type, fmt.Errorf("internal error: %v", p))
		}
	}()

	result, err := h(ctx, msg.Payload)
	if err != nil {
		d.logger.Warn("Bridge operation failed", "op", msg.Type, "id", msg.ID, "error", err)
		return failure(msg.ID, msg.Type, err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return failure(msg.ID, msg.Type, fmt.Errorf("encode result: %w", err))
	}
	return Reply{ID: msg.ID, Success: true, Data: data}
}
