package llmgate

import (
	"context"
)

// ModelPool is one model's per-instance share of the cluster capacity. A
// zero field means that dimension is unlimited.
type ModelPool struct {
	TotalSlots        int64 `json:"totalSlots"`
	TokensPerMinute   int64 `json:"tokensPerMinute"`
	RequestsPerMinute int64 `json:"requestsPerMinute"`
	TokensPerDay      int64 `json:"tokensPerDay"`
	RequestsPerDay    int64 `json:"requestsPerDay"`
}

// AllocationInfo is the slice of cluster capacity assigned to one
// instance by the centralized allocator.
type AllocationInfo struct {
	InstanceCount int64                `json:"instanceCount"`
	Pools         map[string]ModelPool `json:"pools"`
}

// ReleaseUsage reports one job's actual consumption back to the backend
// for window-aware accounting. Window starts are epoch milliseconds
// captured at reservation time, in TPM/RPM/TPD/RPD order; zero marks an
// unlimited dimension.
type ReleaseUsage struct {
	ModelID      string
	Tokens       int64
	Requests     int64
	WindowStarts [4]int64
}

// Backend is the centralized pool allocator a limiter instance registers
// with. Implementations must make every operation atomic with respect to
// concurrent instances.
type Backend interface {
	// Register announces the instance and returns its initial allocation.
	Register(ctx context.Context, instanceID string) (*AllocationInfo, error)

	// Unregister removes the instance; remaining instances are re-allocated.
	Unregister(ctx context.Context, instanceID string) error

	// Heartbeat refreshes the instance's liveness stamp.
	Heartbeat(ctx context.Context, instanceID string) error

	// Subscribe delivers allocation changes for this instance until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, instanceID string, fn func(*AllocationInfo)) (func(), error)

	// Acquire asks for one unit of the instance's pool for modelID. A
	// false return means the pool is exhausted cluster-wide.
	Acquire(ctx context.Context, instanceID, modelID string) (bool, error)

	// Release returns a unit and reports actual usage.
	Release(ctx context.Context, instanceID string, usage ReleaseUsage) error

	// Close releases backend resources.
	Close() error
}
