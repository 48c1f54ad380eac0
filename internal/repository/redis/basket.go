package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lavka-ua/storefront/internal/domain"
)

const basketKeyPrefix = "basket:"

// BasketRepository implements repository.BasketRepository using Redis.
type BasketRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewBasketRepository creates a new Redis-backed basket repository. Every
// save refreshes the TTL.
func NewBasketRepository(client redis.UniversalClient, ttl time.Duration) *BasketRepository {
	return &BasketRepository{client: client, ttl: ttl}
}

// Get returns the session's basket, or an empty one when none is stored.
func (r *BasketRepository) Get(ctx context.Context, sessionID string) (*domain.Basket, error) {
	data, err := r.client.Get(ctx, basketKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.NewBasket(sessionID), nil
		}
		return nil, fmt.Errorf("redis get basket: %w", err)
	}

	var basket domain.Basket
	if err := json.Unmarshal(data, &basket); err != nil {
		return nil, fmt.Errorf("unmarshal basket: %w", err)
	}
	if basket.Items == nil {
		basket.Items = []domain.CartItem{}
	}
	return &basket, nil
}

// Save persists the basket with the configured TTL.
func (r *BasketRepository) Save(ctx context.Context, basket *domain.Basket) error {
	data, err := json.Marshal(basket)
	if err != nil {
		return fmt.Errorf("marshal basket: %w", err)
	}
	if err := r.client.Set(ctx, basketKeyPrefix+basket.SessionID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set basket: %w", err)
	}
	return nil
}

// Delete removes the session's basket.
func (r *BasketRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, basketKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del basket: %w", err)
	}
	return nil
}
