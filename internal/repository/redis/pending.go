package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lavka-ua/storefront/internal/domain"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

const pendingKeyPrefix = "pending:"

// PendingRepository keeps the checkout snapshot while the customer pays.
type PendingRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewPendingRepository creates a new Redis-backed pending checkout store.
func NewPendingRepository(client redis.UniversalClient, ttl time.Duration) *PendingRepository {
	return &PendingRepository{client: client, ttl: ttl}
}

// Save stores the snapshot, replacing any earlier one for the session.
func (r *PendingRepository) Save(ctx context.Context, sessionID string, pending *domain.PendingCheckout) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending checkout: %w", err)
	}
	if err := r.client.Set(ctx, pendingKeyPrefix+sessionID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set pending checkout: %w", err)
	}
	return nil
}

// Get returns the session's snapshot or a NotFound error.
func (r *PendingRepository) Get(ctx context.Context, sessionID string) (*domain.PendingCheckout, error) {
	data, err := r.client.Get(ctx, pendingKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("pending checkout", sessionID)
		}
		return nil, fmt.Errorf("redis get pending checkout: %w", err)
	}

	var pending domain.PendingCheckout
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending checkout: %w", err)
	}
	return &pending, nil
}

// Take deletes the snapshot. Only the caller that actually removed the key
// gets true, so concurrent returns clear the basket once.
func (r *PendingRepository) Take(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.Del(ctx, pendingKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("redis del pending checkout: %w", err)
	}
	return n == 1, nil
}
