package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// RedisBus implements Bus over Redis lists: one list per action_type plus a
// per-action reply list for synchronous correlation.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

// NewRedisBus connects to the broker and verifies the connection.
func NewRedisBus(cfg config.RedisConfig, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Connected to Redis", zap.String("url", cfg.URL))
	return &RedisBus{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: log.WithFields(zap.String("component", "redis_bus")),
	}, nil
}

// Client exposes the underlying connection for shared KV uses (task state
// mirror, L2 config cache).
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

func (b *RedisBus) actionQueue(actionType string) string {
	return b.prefix + ":actions:" + actionType
}

func (b *RedisBus) replyQueue(actionID string) string {
	return b.prefix + ":replies:" + actionID
}

// push enqueues with producer-side retry: base 1s, doubled, capped at 10s,
// three attempts.
func (b *RedisBus) push(ctx context.Context, queue string, action *actions.Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		if lastErr = b.client.RPush(ctx, queue, data).Err(); lastErr == nil {
			return nil
		}
		b.logger.Warn("Failed to enqueue action, retrying",
			zap.String("queue", queue),
			zap.String("action_id", action.ActionID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return apperrors.ServiceUnavailable("broker", lastErr)
}

// Send enqueues a fire-and-forget action. Failures are logged and swallowed.
func (b *RedisBus) Send(ctx context.Context, action *actions.Action) error {
	if err := b.push(ctx, b.actionQueue(action.ActionType), action); err != nil {
		b.logger.Error("Dropping fire-and-forget action",
			zap.String("action_type", action.ActionType),
			zap.String("action_id", action.ActionID),
			zap.String("tenant_id", action.TenantID),
			zap.Error(err),
		)
		return nil
	}
	b.logger.Debug("Published action",
		zap.String("action_type", action.ActionType),
		zap.String("action_id", action.ActionID),
	)
	return nil
}

// SendWithCallback enqueues a request/response action. Failures surface.
func (b *RedisBus) SendWithCallback(ctx context.Context, action *actions.Action, callbackActionType string) error {
	action.CallbackActionType = callbackActionType
	if err := b.push(ctx, b.actionQueue(action.ActionType), action); err != nil {
		return err
	}
	b.logger.Debug("Published action with callback",
		zap.String("action_type", action.ActionType),
		zap.String("callback_action_type", callbackActionType),
		zap.String("action_id", action.ActionID),
	)
	return nil
}

// SendAndWait enqueues the action and blocks on its correlation list.
func (b *RedisBus) SendAndWait(ctx context.Context, action *actions.Action, timeout time.Duration) (*actions.Action, error) {
	replyQueue := b.replyQueue(action.ActionID)
	action.SetMeta(replyQueueMetaKey, replyQueue)

	if err := b.push(ctx, b.actionQueue(action.ActionType), action); err != nil {
		return nil, err
	}

	res, err := b.client.BLPop(ctx, timeout, replyQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.Timeout(action.ActionType)
		}
		return nil, apperrors.ServiceUnavailable("broker", err)
	}

	// BLPop returns [key, value].
	var reply actions.Action
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return &reply, nil
}

// Receive blocks for the next action on any of the given queues.
func (b *RedisBus) Receive(ctx context.Context, actionTypes []string, timeout time.Duration) (*actions.Action, error) {
	queues := make([]string, len(actionTypes))
	for i, t := range actionTypes {
		queues[i] = b.actionQueue(t)
	}

	res, err := b.client.BLPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var action actions.Action
	if err := json.Unmarshal([]byte(res[1]), &action); err != nil {
		b.logger.Error("Failed to unmarshal action", zap.String("queue", res[0]), zap.Error(err))
		return nil, nil
	}
	return &action, nil
}

// Reply resolves a synchronous request by pushing onto its correlation list.
func (b *RedisBus) Reply(ctx context.Context, request *actions.Action, reply *actions.Action) error {
	replyQueue := request.MetaString(replyQueueMetaKey)
	if replyQueue == "" {
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, replyQueue, data)
	// The waiter may already be gone; do not leak the list.
	pipe.Expire(ctx, replyQueue, time.Minute)
	_, err = pipe.Exec(ctx)
	return err
}

// IsConnected returns whether the broker connection is alive.
func (b *RedisBus) IsConnected() bool {
	return b.client.Ping(context.Background()).Err() == nil
}

// Close closes the broker connection.
func (b *RedisBus) Close() {
	if err := b.client.Close(); err != nil {
		b.logger.Warn("Error closing redis connection", zap.Error(err))
	}
	b.logger.Info("Redis connection closed")
}
