package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/pkg/database"
)

// ProductRepository reads catalog prices.
type ProductRepository struct {
	pool database.DBTX
}

// NewProductRepository creates a new PostgreSQL-backed product repository.
func NewProductRepository(pool database.DBTX) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByIDs returns the products found among ids.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) (m map[int64]domain.Product, err error) {
	const query = `
		SELECT id, name, price::text, discount_percentage::text
		FROM products
		WHERE id = ANY($1)`
	ctx, end := database.TraceQuery(ctx, "products.get_by_ids", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		var (
			p               domain.Product
			price, discount string
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &discount); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		pd, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price of product %d: %w", p.ID, err)
		}
		p.Price = domain.NewMoney(pd)
		if p.DiscountPercentage, err = decimal.NewFromString(discount); err != nil {
			return nil, fmt.Errorf("parse discount of product %d: %w", p.ID, err)
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}
