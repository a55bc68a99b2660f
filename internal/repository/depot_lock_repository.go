package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DepotLockedError reports a depot already held by another owner.
type DepotLockedError struct {
	DepotID string
	Owner   string
}

func (e *DepotLockedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("depot %s is locked by another instance", e.DepotID)
	}
	return fmt.Sprintf("depot %s is locked by %s", e.DepotID, e.Owner)
}

var (
	releaseLockScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)
	refreshLockScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`)
)

// DepotLockRepository keeps depots mutually exclusive across runs and clears. Locks are
// held in-process and, when a Redis client is configured, as SET NX keys shared by every
// API instance.
type DepotLockRepository struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]string
}

// NewDepotLockRepository constructs the lock table. client may be nil.
func NewDepotLockRepository(client *redis.Client, ttl time.Duration, logger *zap.Logger) *DepotLockRepository {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepotLockRepository{
		client: client,
		ttl:    ttl,
		prefix: "fleet:depot-lock:",
		logger: logger,
		held:   make(map[string]string),
	}
}

// Acquire locks every depot for owner or none of them. A clash returns *DepotLockedError.
func (r *DepotLockRepository) Acquire(ctx context.Context, owner string, depotIDs []string) error {
	ids := sortedUnique(depotIDs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if holder, ok := r.held[id]; ok && holder != owner {
			return &DepotLockedError{DepotID: id, Owner: holder}
		}
	}

	var acquired []string
	if r.client != nil {
		for _, id := range ids {
			ok, err := r.client.SetNX(ctx, r.key(id), owner, r.ttl).Result()
			if err != nil {
				r.releaseRemote(ctx, owner, acquired)
				return fmt.Errorf("redis lock depot %s: %w", id, err)
			}
			if !ok {
				holder, _ := r.client.Get(ctx, r.key(id)).Result()
				if holder == owner {
					continue
				}
				r.releaseRemote(ctx, owner, acquired)
				return &DepotLockedError{DepotID: id, Owner: holder}
			}
			acquired = append(acquired, id)
		}
	}
	for _, id := range ids {
		r.held[id] = owner
	}
	return nil
}

// Release drops owner's locks on the depots. Locks held by someone else are untouched.
func (r *DepotLockRepository) Release(ctx context.Context, owner string, depotIDs []string) {
	ids := sortedUnique(depotIDs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.held[id] == owner {
			delete(r.held, id)
		}
	}
	r.releaseRemote(ctx, owner, ids)
}

// Refresh extends owner's Redis locks so long runs outlive the TTL.
func (r *DepotLockRepository) Refresh(ctx context.Context, owner string, depotIDs []string) error {
	if r.client == nil {
		return nil
	}
	for _, id := range sortedUnique(depotIDs) {
		if err := refreshLockScript.Run(ctx, r.client, []string{r.key(id)}, owner, r.ttl.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("redis refresh depot lock %s: %w", id, err)
		}
	}
	return nil
}

// Holder returns the in-process owner of the depot lock, if any.
func (r *DepotLockRepository) Holder(depotID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.held[depotID]
	return owner, ok
}

func (r *DepotLockRepository) releaseRemote(ctx context.Context, owner string, ids []string) {
	if r.client == nil {
		return
	}
	for _, id := range ids {
		if err := releaseLockScript.Run(ctx, r.client, []string{r.key(id)}, owner).Err(); err != nil {
			r.logger.Sugar().Warnw("failed to release depot lock", "depot_id", id, "owner", owner, "error", err)
		}
	}
}

func (r *DepotLockRepository) key(depotID string) string {
	return r.prefix + depotID
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
