// Package redisalloc is the Redis-backed centralized pool allocator. It
// divides cluster-wide model capacity evenly across live limiter
// instances, tracks liveness through heartbeats, and broadcasts
// allocation changes over pub/sub. Every store mutation is one Lua
// script, so concurrent instances always observe a consistent state.
package redisalloc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmgate/llmgate"
	"github.com/llmgate/llmgate/internal/logging"
)

const (
	// DefaultPrefix namespaces all allocator keys.
	DefaultPrefix = "llmgate:"
	// DefaultCleanupInterval is how often stale instances are collected.
	DefaultCleanupInterval = 5 * time.Second
	// DefaultInstanceTimeout is the heartbeat age past which an instance
	// is considered dead.
	DefaultInstanceTimeout = 15 * time.Second
)

// ModelCapacity is one model's cluster-wide limits, the numbers the
// allocator divides across instances.
type ModelCapacity struct {
	TokensPerMinute       int64 `json:"tokensPerMinute"`
	RequestsPerMinute     int64 `json:"requestsPerMinute"`
	TokensPerDay          int64 `json:"tokensPerDay"`
	RequestsPerDay        int64 `json:"requestsPerDay"`
	MaxConcurrentRequests int64 `json:"maxConcurrentRequests"`
}

// JobTypeResource is one job type's estimate snapshot, used for the
// slot formula's average-estimate denominator.
type JobTypeResource struct {
	EstimatedTokens   int64   `json:"estimatedTokens"`
	EstimatedRequests int64   `json:"estimatedRequests"`
	Ratio             float64 `json:"ratio,omitempty"`
}

// Config configures the allocator.
type Config struct {
	Prefix           string
	CleanupInterval  time.Duration
	InstanceTimeout  time.Duration
	ModelCapacities  map[string]ModelCapacity
	JobTypeResources map[string]JobTypeResource
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.InstanceTimeout <= 0 {
		c.InstanceTimeout = DefaultInstanceTimeout
	}
	return c
}

// Allocator implements llmgate.Backend on Redis.
type Allocator struct {
	client *redis.Client
	cfg    Config
	keys   []string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// allocationDoc mirrors the JSON the Lua scripts write.
type allocationDoc struct {
	InstanceCount int64                          `json:"instanceCount"`
	Pools         map[string]llmgate.ModelPool   `json:"pools"`
}

// channelMessage is the pub/sub payload: the allocation is the
// serialized AllocationInfo string for that instance.
type channelMessage struct {
	InstanceID string `json:"instanceId"`
	Allocation string `json:"allocation"`
}

// New writes the static capacity snapshots and starts the cleanup loop.
func New(ctx context.Context, client *redis.Client, cfg Config) (*Allocator, error) {
	cfg = cfg.withDefaults()
	if len(cfg.ModelCapacities) == 0 {
		return nil, fmt.Errorf("redisalloc: at least one model capacity is required")
	}

	a := &Allocator{
		client: client,
		cfg:    cfg,
		keys: []string{
			cfg.Prefix + "instances",
			cfg.Prefix + "allocations",
			cfg.Prefix + "channel",
			cfg.Prefix + "modelCapacities",
			cfg.Prefix + "jobTypeResources",
			cfg.Prefix + "inuse",
			cfg.Prefix + "usage",
		},
		stopCh: make(chan struct{}),
	}

	caps, err := json.Marshal(cfg.ModelCapacities)
	if err != nil {
		return nil, fmt.Errorf("redisalloc: marshal model capacities: %w", err)
	}
	res, err := json.Marshal(cfg.JobTypeResources)
	if err != nil {
		return nil, fmt.Errorf("redisalloc: marshal job type resources: %w", err)
	}
	if err := client.Set(ctx, a.keys[3], caps, 0).Err(); err != nil {
		return nil, fmt.Errorf("redisalloc: write model capacities: %w", err)
	}
	if err := client.Set(ctx, a.keys[4], res, 0).Err(); err != nil {
		return nil, fmt.Errorf("redisalloc: write job type resources: %w", err)
	}

	a.wg.Add(1)
	go a.cleanupLoop()
	return a, nil
}

// Register implements llmgate.Backend.
func (a *Allocator) Register(ctx context.Context, instanceID string) (*llmgate.AllocationInfo, error) {
	doc, err := registerScript.Run(ctx, a.client, a.keys,
		instanceID, time.Now().UnixMilli()).Text()
	if err != nil {
		return nil, fmt.Errorf("redisalloc: register: %w", err)
	}
	return parseAllocation(doc)
}

// Unregister implements llmgate.Backend.
func (a *Allocator) Unregister(ctx context.Context, instanceID string) error {
	if err := unregisterScript.Run(ctx, a.client, a.keys, instanceID).Err(); err != nil {
		return fmt.Errorf("redisalloc: unregister: %w", err)
	}
	return nil
}

// Heartbeat implements llmgate.Backend.
func (a *Allocator) Heartbeat(ctx context.Context, instanceID string) error {
	if err := heartbeatScript.Run(ctx, a.client, a.keys,
		instanceID, time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redisalloc: heartbeat: %w", err)
	}
	return nil
}

// Subscribe implements llmgate.Backend. A background goroutine listens
// on the pub/sub channel and forwards this instance's allocation
// changes to fn.
func (a *Allocator) Subscribe(ctx context.Context, instanceID string, fn func(*llmgate.AllocationInfo)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := a.client.Subscribe(subCtx, a.keys[2])

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-a.stopCh:
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var cm channelMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					logging.Op().Warn("allocator: bad channel message", "error", err)
					continue
				}
				if cm.InstanceID != instanceID {
					continue
				}
				alloc, err := parseAllocation(cm.Allocation)
				if err != nil {
					logging.Op().Warn("allocator: bad allocation payload", "error", err)
					continue
				}
				fn(alloc)
			}
		}
	}()

	return cancel, nil
}

// Acquire implements llmgate.Backend.
func (a *Allocator) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	granted, err := acquireScript.Run(ctx, a.client, a.keys,
		instanceID, time.Now().UnixMilli(), modelID).Int64()
	if err != nil {
		return false, fmt.Errorf("redisalloc: acquire: %w", err)
	}
	return granted == 1, nil
}

// Release implements llmgate.Backend.
func (a *Allocator) Release(ctx context.Context, instanceID string, usage llmgate.ReleaseUsage) error {
	err := releaseScript.Run(ctx, a.client, a.keys,
		instanceID, time.Now().UnixMilli(), usage.ModelID,
		usage.Tokens, usage.Requests,
		usage.WindowStarts[0], usage.WindowStarts[1],
		usage.WindowStarts[2], usage.WindowStarts[3]).Err()
	if err != nil {
		return fmt.Errorf("redisalloc: release: %w", err)
	}
	return nil
}

// Cleanup runs one stale-instance collection pass and returns how many
// instances were removed.
func (a *Allocator) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-a.cfg.InstanceTimeout).UnixMilli()
	removed, err := cleanupScript.Run(ctx, a.client, a.keys, cutoff).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisalloc: cleanup: %w", err)
	}
	if removed > 0 {
		logging.Op().Info("allocator: removed stale instances", "count", removed)
	}
	return removed, nil
}

// Close implements llmgate.Backend.
func (a *Allocator) Close() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	return nil
}

func (a *Allocator) cleanupLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CleanupInterval)
			if _, err := a.Cleanup(ctx); err != nil {
				logging.Op().Warn("allocator: cleanup failed", "error", err)
			}
			cancel()
		}
	}
}

func parseAllocation(doc string) (*llmgate.AllocationInfo, error) {
	var d allocationDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("redisalloc: parse allocation: %w", err)
	}
	return &llmgate.AllocationInfo{
		InstanceCount: d.InstanceCount,
		Pools:         d.Pools,
	}, nil
}
