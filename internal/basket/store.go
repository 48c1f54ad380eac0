// Package basket is the session-owned basket store injected into checkout.
package basket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/internal/repository"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// Store mutates baskets and persists every change.
type Store struct {
	repo   repository.BasketRepository
	logger *slog.Logger
}

// NewStore creates a basket store over the repository.
func NewStore(repo repository.BasketRepository, logger *slog.Logger) *Store {
	return &Store{repo: repo, logger: logger}
}

// Get returns the session's basket; a new session gets an empty one.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Basket, error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session id is required")
	}
	return s.repo.Get(ctx, sessionID)
}

// AddItem adds a line or increases the quantity of a matching one.
func (s *Store) AddItem(ctx context.Context, sessionID string, item domain.CartItem) (*domain.Basket, error) {
	if err := validator.Validate(item); err != nil {
		return nil, err
	}
	return s.mutate(ctx, sessionID, func(b *domain.Basket) error {
		return b.Add(item)
	})
}

// UpdateQuantity sets the quantity of a line; zero removes it.
func (s *Store) UpdateQuantity(ctx context.Context, sessionID string, key domain.LineKey, qty int) (*domain.Basket, error) {
	return s.mutate(ctx, sessionID, func(b *domain.Basket) error {
		return b.SetQuantity(key, qty)
	})
}

// RemoveItem deletes a line.
func (s *Store) RemoveItem(ctx context.Context, sessionID string, key domain.LineKey) (*domain.Basket, error) {
	return s.mutate(ctx, sessionID, func(b *domain.Basket) error {
		return b.Remove(key)
	})
}

// Clear drops the whole basket.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return apperrors.InvalidInput("session id is required")
	}
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("clear basket: %w", err)
	}
	s.logger.InfoContext(ctx, "basket cleared", slog.String("session_id", sessionID))
	return nil
}

func (s *Store) mutate(ctx context.Context, sessionID string, fn func(*domain.Basket) error) (*domain.Basket, error) {
	b, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		if errors.Is(err, domain.ErrLineNotFound) {
			return nil, &apperrors.AppError{
				Code:    "NOT_FOUND",
				Message: err.Error(),
				Status:  http.StatusNotFound,
				Err:     apperrors.ErrNotFound,
			}
		}
		return nil, apperrors.InvalidInput(err.Error())
	}
	if err := s.repo.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save basket: %w", err)
	}
	return b, nil
}
