// Package worker provides the long-running action consumer for a service:
// a small pool of goroutines receiving from the service's queues and
// dispatching by action_type.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/bus"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// HandlerFunc processes one action. A non-nil result is delivered back to
// the requester: through the correlation channel for synchronous sends, or
// wrapped in a callback action when callback_action_type is set.
type HandlerFunc func(ctx context.Context, action *actions.Action) (map[string]any, error)

type registration struct {
	handler       HandlerFunc
	requireTaskID bool
}

// Option customizes a handler registration.
type Option func(*registration)

// WithTaskIDRequired rejects actions of this type that carry no task_id.
func WithTaskIDRequired() Option {
	return func(r *registration) { r.requireTaskID = true }
}

// Worker consumes actions for one service. Handlers for distinct action
// types may run concurrently; each worker goroutine processes one action at
// a time. No ordering is guaranteed across actions, including those sharing
// a session_id.
type Worker struct {
	serviceName string
	bus         bus.Bus
	count       int
	registry    map[string]registration
	order       []string
	mu          sync.RWMutex
	logger      *logger.Logger
	wg          sync.WaitGroup
}

// New creates a worker pool for the named service. count defaults to 2.
func New(serviceName string, b bus.Bus, count int, log *logger.Logger) *Worker {
	if count <= 0 {
		count = 2
	}
	return &Worker{
		serviceName: serviceName,
		bus:         b,
		count:       count,
		registry:    make(map[string]registration),
		logger:      log.WithFields(zap.String("component", "worker"), zap.String("service", serviceName)),
	}
}

// Register installs a handler for an action type. Only types from the closed
// action set are accepted.
func (w *Worker) Register(actionType string, handler HandlerFunc, opts ...Option) error {
	if !actions.IsKnownType(actionType) {
		return fmt.Errorf("unknown action type: %s", actionType)
	}
	reg := registration{handler: handler}
	for _, opt := range opts {
		opt(&reg)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.registry[actionType]; !ok {
		w.order = append(w.order, actionType)
	}
	w.registry[actionType] = reg
	return nil
}

// Start launches the consumer goroutines. They stop when ctx is cancelled;
// Wait blocks until they have drained.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker pool starting", zap.Int("workers", w.count), zap.Strings("queues", w.queues()))
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Wait blocks until all consumer goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.WithFields(zap.Int("worker_id", id))
	log.Debug("Worker started")
	defer log.Debug("Worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		action, err := w.bus.Receive(ctx, w.queues(), 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if action == nil {
			continue
		}
		w.process(ctx, action, log)
	}
}

// process validates, dispatches, and delivers results. Handler errors never
// escape: fire-and-forget failures are logged and swallowed so they cannot
// poison the queue, request/response failures become failure callbacks.
func (w *Worker) process(ctx context.Context, action *actions.Action, log *logger.Logger) {
	log = log.WithFields(
		zap.String("action_id", action.ActionID),
		zap.String("action_type", action.ActionType),
		zap.String("tenant_id", action.TenantID),
	)
	if action.SessionID != "" {
		log = log.WithSessionID(action.SessionID)
	}

	w.mu.RLock()
	reg, ok := w.registry[action.ActionType]
	w.mu.RUnlock()
	if !ok {
		log.Error("No handler registered for action type")
		return
	}

	if err := w.validate(action, reg); err != nil {
		log.Error("Invalid action", zap.Error(err))
		w.deliverFailure(ctx, action, err, log)
		return
	}

	result, err := reg.handler(ctx, action)
	if err != nil {
		log.Error("Handler failed",
			zap.String("error_type", apperrors.Code(err)),
			zap.Error(err),
		)
		w.deliverFailure(ctx, action, err, log)
		return
	}

	if result == nil {
		return
	}
	w.deliverResult(ctx, action, result, log)
}

func (w *Worker) validate(action *actions.Action, reg registration) error {
	if len(action.Data) == 0 {
		return apperrors.Validation("action data is empty")
	}
	if reg.requireTaskID && action.TaskID == "" {
		return apperrors.Validation("task_id is required")
	}
	return nil
}

func (w *Worker) deliverResult(ctx context.Context, request *actions.Action, result map[string]any, log *logger.Logger) {
	if bus.IsSyncRequest(request) {
		reply := request.Reply(w.serviceName, result)
		reply.ActionType = request.ActionType + ".result"
		if err := w.bus.Reply(ctx, request, reply); err != nil {
			log.Error("Failed to deliver synchronous reply", zap.Error(err))
		}
		return
	}
	if request.CallbackActionType == "" {
		return
	}
	callback := request.Reply(w.serviceName, result)
	if err := w.bus.Send(ctx, callback); err != nil {
		log.Error("Failed to enqueue callback action", zap.Error(err))
	}
}

func (w *Worker) deliverFailure(ctx context.Context, request *actions.Action, cause error, log *logger.Logger) {
	failure := map[string]any{
		"error":      apperrors.UserMessage(cause),
		"error_type": apperrors.Code(cause),
	}
	if bus.IsSyncRequest(request) {
		reply := request.Reply(w.serviceName, failure)
		reply.ActionType = request.ActionType + ".result"
		if err := w.bus.Reply(ctx, request, reply); err != nil {
			log.Error("Failed to deliver failure reply", zap.Error(err))
		}
		return
	}
	if request.CallbackActionType == "" {
		// Fire-and-forget: the error stops here.
		return
	}
	callback := request.Reply(w.serviceName, failure)
	if err := w.bus.Send(ctx, callback); err != nil {
		log.Error("Failed to enqueue failure callback", zap.Error(err))
	}
}
