package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxLineQuantity bounds a single basket line.
const MaxLineQuantity = 99

// CartItem is one basket line. A line is identified by product, size and
// color; adding the same combination again increases the quantity.
type CartItem struct {
	ProductID          int64           `json:"product_id" validate:"required,gt=0"`
	Name               string          `json:"name" validate:"required"`
	Size               string          `json:"size" validate:"required"`
	Color              string          `json:"color,omitempty"`
	UnitPrice          Money           `json:"unit_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Quantity           int             `json:"quantity" validate:"gte=1,lte=99"`
}

// LineKey identifies the line inside a basket.
func (i CartItem) LineKey() LineKey {
	return LineKey{ProductID: i.ProductID, Size: i.Size, Color: i.Color}
}

// Validate checks the price and discount bounds the struct tags cannot express.
func (i CartItem) Validate() error {
	if !i.UnitPrice.IsPositive() {
		return fmt.Errorf("unit_price must be positive")
	}
	if i.DiscountPercentage.IsNegative() || i.DiscountPercentage.GreaterThan(hundred) {
		return fmt.Errorf("discount_percentage must be between 0 and 100")
	}
	if i.Quantity < 1 || i.Quantity > MaxLineQuantity {
		return fmt.Errorf("quantity must be between 1 and %d", MaxLineQuantity)
	}
	return nil
}

// LineKey is the identity of a basket line.
type LineKey struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Size      string `json:"size" validate:"required"`
	Color     string `json:"color,omitempty"`
}

// Basket is the set of lines a session intends to buy.
type Basket struct {
	SessionID string     `json:"session_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewBasket returns an empty basket for the session.
func NewBasket(sessionID string) *Basket {
	return &Basket{SessionID: sessionID, Items: []CartItem{}, UpdatedAt: time.Now().UTC()}
}

// IsEmpty reports whether the basket has no lines.
func (b *Basket) IsEmpty() bool {
	return len(b.Items) == 0
}

func (b *Basket) find(key LineKey) int {
	for i, it := range b.Items {
		if it.LineKey() == key {
			return i
		}
	}
	return -1
}

// Add inserts the item or increases the quantity of the matching line.
// Price and discount are refreshed from the latest add.
func (b *Basket) Add(item CartItem) error {
	if idx := b.find(item.LineKey()); idx >= 0 {
		merged := b.Items[idx]
		merged.Quantity += item.Quantity
		merged.UnitPrice = item.UnitPrice
		merged.DiscountPercentage = item.DiscountPercentage
		if err := merged.Validate(); err != nil {
			return err
		}
		b.Items[idx] = merged
	} else {
		if err := item.Validate(); err != nil {
			return err
		}
		b.Items = append(b.Items, item)
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// SetQuantity changes the quantity of a line. Zero removes it.
func (b *Basket) SetQuantity(key LineKey, qty int) error {
	idx := b.find(key)
	if idx < 0 {
		return ErrLineNotFound
	}
	if qty == 0 {
		return b.Remove(key)
	}
	if qty < 0 || qty > MaxLineQuantity {
		return fmt.Errorf("quantity must be between 0 and %d", MaxLineQuantity)
	}
	b.Items[idx].Quantity = qty
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Remove deletes a line.
func (b *Basket) Remove(key LineKey) error {
	idx := b.find(key)
	if idx < 0 {
		return ErrLineNotFound
	}
	b.Items = append(b.Items[:idx], b.Items[idx+1:]...)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// StockLines returns the stock check request lines for the basket.
func (b *Basket) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(b.Items))
	for _, it := range b.Items {
		lines = append(lines, StockLine{ProductID: it.ProductID, Size: it.Size, Quantity: it.Quantity})
	}
	return lines
}
