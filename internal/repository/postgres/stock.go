package postgres

import (
	"context"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/pkg/database"
)

// StockRepository reads product_stock.
type StockRepository struct {
	pool database.DBTX
}

// NewStockRepository creates a new PostgreSQL-backed stock repository.
func NewStockRepository(pool database.DBTX) *StockRepository {
	return &StockRepository{pool: pool}
}

// Available returns on-hand quantities for the keys that have a stock row.
func (r *StockRepository) Available(ctx context.Context, keys []domain.StockKey) (m map[domain.StockKey]int, err error) {
	ctx, end := database.TraceQuery(ctx, "product_stock.available", "SELECT product_id, size, quantity FROM product_stock")
	defer func() { end(err) }()
	return availableIn(ctx, r.pool, keys)
}
