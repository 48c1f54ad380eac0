// Package stock checks requested quantities against recorded inventory.
package stock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lavka-ua/storefront/internal/domain"
)

// Reader returns the on-hand quantity for each requested key. Keys missing
// from the result have no stock row.
type Reader interface {
	Available(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]int, error)
}

// Verifier runs the pre-submission stock check.
type Verifier struct {
	reader Reader
	logger *slog.Logger
}

// NewVerifier creates a Verifier over the given stock reader.
func NewVerifier(reader Reader, logger *slog.Logger) *Verifier {
	return &Verifier{reader: reader, logger: logger}
}

// Verify succeeds when every line fits the available stock. Otherwise it
// returns *domain.InsufficientStockError listing every short line. Lines for
// the same product and size are summed; unknown keys count as zero.
func (v *Verifier) Verify(ctx context.Context, lines []domain.StockLine) error {
	requested := Aggregate(lines)
	if len(requested) == 0 {
		return nil
	}

	keys := make([]domain.StockKey, len(requested))
	for i, l := range requested {
		keys[i] = l.Key()
	}

	available, err := v.reader.Available(ctx, keys)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}

	if short := Shortages(requested, available); len(short) > 0 {
		v.logger.InfoContext(ctx, "insufficient stock",
			slog.Int("lines", len(short)),
		)
		return &domain.InsufficientStockError{Items: short}
	}
	return nil
}

// Aggregate sums quantities per product and size, keeping first-seen order.
func Aggregate(lines []domain.StockLine) []domain.StockLine {
	out := make([]domain.StockLine, 0, len(lines))
	index := make(map[domain.StockKey]int, len(lines))
	for _, l := range lines {
		if i, ok := index[l.Key()]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.Key()] = len(out)
		out = append(out, l)
	}
	return out
}

// Shortages returns every aggregated line whose request exceeds availability.
func Shortages(requested []domain.StockLine, available map[domain.StockKey]int) []domain.InsufficientItem {
	var short []domain.InsufficientItem
	for _, l := range requested {
		have := available[l.Key()]
		if have < 0 {
			have = 0
		}
		if l.Quantity > have {
			short = append(short, domain.InsufficientItem{
				ProductID: l.ProductID,
				Size:      l.Size,
				Requested: l.Quantity,
				Available: have,
			})
		}
	}
	return short
}
