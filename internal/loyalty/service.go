package loyalty

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

// SpendReader returns a user's lifetime spend on paid orders.
type SpendReader interface {
	TotalPaid(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Service resolves loyalty status for users.
type Service struct {
	spend  SpendReader
	tiers  []Tier
	logger *slog.Logger
}

// NewService creates a loyalty service over tiers. A nil tiers uses DefaultTiers.
func NewService(spend SpendReader, tiers []Tier, logger *slog.Logger) *Service {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	return &Service{spend: spend, tiers: tiers, logger: logger}
}

// ForUser returns the loyalty status of a signed-in user.
func (s *Service) ForUser(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, apperrors.InvalidInput("user id is required")
	}

	spent, err := s.spend.TotalPaid(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("read spend for %s: %w", userID, err)
	}

	st := Calculate(spent, s.tiers)
	s.logger.DebugContext(ctx, "loyalty resolved",
		slog.String("user_id", userID),
		slog.String("tier", st.TierName),
		slog.String("bonus_percent", st.BonusPercent.String()),
	)
	return st, nil
}

// Percent returns the discount percent checkout may apply for userID.
// Guests get no loyalty discount.
func (s *Service) Percent(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, nil
	}
	st, err := s.ForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return st.BonusPercent, nil
}
