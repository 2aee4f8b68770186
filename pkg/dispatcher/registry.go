package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

var (
	ErrNoDispatcher   = errors.New("no dispatcher registered for protocol")
	ErrUnknownMessage = errors.New("message type not registered")
)

// Dispatcher delivers messages for one protocol.
type Dispatcher interface {
	Protocol() string
	Dispatch(ctx context.Context, msg RemoteMessage) result.StatusResult[any]
}

// Sender is the side of the registry state machines depend on.
type Sender interface {
	Dispatch(ctx context.Context, msg RemoteMessage) result.StatusResult[any]
}

// Registry routes messages to the dispatcher for their protocol.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

// Register adds d, replacing any dispatcher for the same protocol.
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Protocol()] = d
}

// Dispatch sends msg synchronously. A missing dispatcher is FATAL_ERROR.
func (r *Registry) Dispatch(ctx context.Context, msg RemoteMessage) result.StatusResult[any] {
	protocol := msg.Header().Protocol
	r.mu.RLock()
	d, ok := r.dispatchers[protocol]
	r.mu.RUnlock()
	if !ok {
		return result.Fatal[any]("%v: %s", ErrNoDispatcher, protocol)
	}
	return d.Dispatch(ctx, msg)
}

// Send dispatches msg and types the response content as R. A delegate
// producing anything other than R is FATAL_ERROR.
func Send[R any](ctx context.Context, s Sender, msg RemoteMessage) result.StatusResult[R] {
	return result.Map(s.Dispatch(ctx, msg), func(v any) (R, error) {
		var zero R
		if v == nil {
			return zero, nil
		}
		typed, ok := v.(R)
		if !ok {
			return zero, fmt.Errorf("response for %s is %T, want %T", msg.MessageType(), v, zero)
		}
		return typed, nil
	})
}

// SendAsync runs Send on its own goroutine. The channel yields exactly one
// result.
func SendAsync[R any](ctx context.Context, s Sender, msg RemoteMessage) <-chan result.StatusResult[R] {
	out := make(chan result.StatusResult[R], 1)
	go func() {
		out <- Send[R](ctx, s, msg)
	}()
	return out
}
