package domain

import (
	"fmt"
	"strings"
)

// StockLine is one requested (product, size, quantity) triple.
type StockLine struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Size      string `json:"size" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

// StockCheckRequest is the body of POST /products/check-stock.
type StockCheckRequest struct {
	Items []StockLine `json:"items" validate:"required,min=1,dive"`
}

// InsufficientItem reports one line whose request exceeds what is on hand.
type InsufficientItem struct {
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (i InsufficientItem) String() string {
	return fmt.Sprintf("товар %d (розмір %s): доступно %d, запитано %d", i.ProductID, i.Size, i.Available, i.Requested)
}

// InsufficientStockError lists every under-stocked line of a request.
type InsufficientStockError struct {
	Items []InsufficientItem
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = it.String()
	}
	return "недостатньо товару на складі: " + strings.Join(parts, "; ")
}

// StockCheckConflict is the 409 body of POST /products/check-stock.
type StockCheckConflict struct {
	Error             string             `json:"error"`
	InsufficientItems []InsufficientItem `json:"insufficientItems"`
}

// StockKey addresses the stock of one product size.
type StockKey struct {
	ProductID int64
	Size      string
}

// Key returns the stock address of the line.
func (l StockLine) Key() StockKey {
	return StockKey{ProductID: l.ProductID, Size: l.Size}
}
