package agentconfig

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// Source is the authoritative store behind the cache. Rows come back as raw
// maps because views mix key casings; Normalize flattens them.
type Source interface {
	AgentRow(ctx context.Context, tenantID, agentID string) (map[string]any, error)
}

const l2KeyPrefix = "agent_config:"

// Cache is the two-level agent config cache: an in-process map in front of a
// shared Redis layer in front of the store. There is no LRU; explicit
// invalidation is the contract.
type Cache struct {
	source Source
	redis  *redis.Client // nil disables the shared layer
	ttl    time.Duration

	mu sync.RWMutex
	l1 map[string]*AgentConfig

	logger *logger.Logger
}

// NewCache creates the cache. ttlSeconds defaults to 600.
func NewCache(source Source, redisClient *redis.Client, ttlSeconds int, log *logger.Logger) *Cache {
	if ttlSeconds <= 0 {
		ttlSeconds = 600
	}
	return &Cache{
		source: source,
		redis:  redisClient,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		l1:     make(map[string]*AgentConfig),
		logger: log.WithFields(zap.String("component", "agent_config_cache")),
	}
}

// Get resolves the agent config, trying L1, then L2, then the store. It
// never fails: when every path errors it logs the cause and returns the
// survival-mode defaults.
func (c *Cache) Get(ctx context.Context, tenantID, agentID string) *AgentConfig {
	c.mu.RLock()
	cfg, ok := c.l1[agentID]
	c.mu.RUnlock()
	if ok {
		return cfg
	}

	if cfg := c.fromL2(ctx, agentID); cfg != nil {
		c.mu.Lock()
		c.l1[agentID] = cfg
		c.mu.Unlock()
		return cfg
	}

	row, err := c.source.AgentRow(ctx, tenantID, agentID)
	if err != nil {
		c.logger.Error("Agent config lookup failed, serving defaults",
			zap.String("tenant_id", tenantID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return Defaults(tenantID, agentID)
	}
	if row == nil {
		c.logger.Error("Agent config row missing, serving defaults",
			zap.String("tenant_id", tenantID),
			zap.String("agent_id", agentID),
			zap.Error(apperrors.NotFound("agent", agentID)),
		)
		return Defaults(tenantID, agentID)
	}

	cfg = Normalize(row)
	if cfg.AgentID == "" {
		cfg.AgentID = agentID
	}
	if cfg.TenantID == "" {
		cfg.TenantID = tenantID
	}

	c.mu.Lock()
	c.l1[agentID] = cfg
	c.mu.Unlock()
	c.toL2(ctx, agentID, cfg)
	return cfg
}

// Invalidate drops the agent from both cache layers.
func (c *Cache) Invalidate(ctx context.Context, agentID string) {
	c.mu.Lock()
	delete(c.l1, agentID)
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Del(ctx, l2KeyPrefix+agentID).Err(); err != nil {
			c.logger.Warn("Failed to drop L2 config entry",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}
	c.logger.Debug("Agent config invalidated", zap.String("agent_id", agentID))
}

// HandleInvalidate consumes orchestrator.config.invalidate actions so peer
// processes drop their L1 entries after a store write.
func (c *Cache) HandleInvalidate(ctx context.Context, action *actions.Action) (map[string]any, error) {
	agentID := action.DataString("agent_id")
	if agentID == "" {
		agentID = action.AgentID
	}
	if agentID == "" {
		return nil, apperrors.Validation("agent_id is required")
	}
	c.Invalidate(ctx, agentID)
	return nil, nil
}

func (c *Cache) fromL2(ctx context.Context, agentID string) *AgentConfig {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, l2KeyPrefix+agentID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("L2 config read failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		return nil
	}
	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		c.logger.Warn("Corrupt L2 config entry", zap.String("agent_id", agentID), zap.Error(err))
		return nil
	}
	return &cfg
}

func (c *Cache) toL2(ctx context.Context, agentID string, cfg *AgentConfig) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, l2KeyPrefix+agentID, data, c.ttl).Err(); err != nil {
		c.logger.Warn("L2 config write failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
