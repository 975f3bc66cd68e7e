package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// MemoryBus implements Bus with in-process channels. It backs tests and
// single-process development (empty redis.url).
type MemoryBus struct {
	queues  map[string]chan *actions.Action
	replies map[string]chan *actions.Action
	mu      sync.Mutex
	closed  bool
	logger  *logger.Logger
}

// NewMemoryBus creates a new in-memory action bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		queues:  make(map[string]chan *actions.Action),
		replies: make(map[string]chan *actions.Action),
		logger:  log.WithFields(zap.String("component", "memory_bus")),
	}
}

func (b *MemoryBus) queue(actionType string) chan *actions.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[actionType]
	if !ok {
		q = make(chan *actions.Action, 256)
		b.queues[actionType] = q
	}
	return q
}

func (b *MemoryBus) push(ctx context.Context, action *actions.Action) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.mu.Unlock()

	select {
	case b.queue(action.ActionType) <- action:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperrors.ServiceUnavailable("broker", fmt.Errorf("queue %s full", action.ActionType))
	}
}

// Send enqueues a fire-and-forget action; failures are logged and swallowed.
func (b *MemoryBus) Send(ctx context.Context, action *actions.Action) error {
	if err := b.push(ctx, action); err != nil {
		b.logger.Error("Dropping fire-and-forget action",
			zap.String("action_type", action.ActionType),
			zap.Error(err),
		)
	}
	return nil
}

// SendWithCallback enqueues a request/response action; failures surface.
func (b *MemoryBus) SendWithCallback(ctx context.Context, action *actions.Action, callbackActionType string) error {
	action.CallbackActionType = callbackActionType
	return b.push(ctx, action)
}

// SendAndWait enqueues the action and blocks until a reply or timeout.
func (b *MemoryBus) SendAndWait(ctx context.Context, action *actions.Action, timeout time.Duration) (*actions.Action, error) {
	replyCh := make(chan *actions.Action, 1)
	b.mu.Lock()
	b.replies[action.ActionID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.replies, action.ActionID)
		b.mu.Unlock()
	}()

	action.SetMeta(replyQueueMetaKey, action.ActionID)
	if err := b.push(ctx, action); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, apperrors.Timeout(action.ActionType)
	}
}

// Receive blocks for the next action on any of the given queues.
func (b *MemoryBus) Receive(ctx context.Context, actionTypes []string, timeout time.Duration) (*actions.Action, error) {
	// A short poll across queues keeps the implementation free of reflect
	// based dynamic selects; granularity is fine for tests and dev.
	deadline := time.Now().Add(timeout)
	for {
		for _, t := range actionTypes {
			select {
			case action := <-b.queue(t):
				return action, nil
			default:
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Reply resolves a synchronous request.
func (b *MemoryBus) Reply(ctx context.Context, request *actions.Action, reply *actions.Action) error {
	key := request.MetaString(replyQueueMetaKey)
	if key == "" {
		return nil
	}
	b.mu.Lock()
	ch, ok := b.replies[key]
	b.mu.Unlock()
	if !ok {
		// Waiter timed out and went away.
		return nil
	}
	select {
	case ch <- reply:
	default:
	}
	return nil
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close closes the bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.logger.Info("Memory action bus closed")
}
