package domain

import "github.com/shopspring/decimal"

// Product is the catalog price of an item, used to check submitted prices.
type Product struct {
	ID                 int64
	Name               string
	Price              Money
	DiscountPercentage decimal.Decimal
}

// PendingCheckout is the snapshot kept while the customer is away at the
// payment provider. It is cleared once the order is confirmed paid.
type PendingCheckout struct {
	OrderID     string      `json:"order_id"`
	Reference   string      `json:"reference"`
	PaymentType PaymentType `json:"payment_type"`
	Items       []CartItem  `json:"items"`
	Customer    Customer    `json:"customer"`
	Total       Money       `json:"total"`
	SubmittedAt int64       `json:"submitted_at"`
}

// Customer is the contact part of the checkout form.
type Customer struct {
	Name           string `json:"customer_name"`
	Phone          string `json:"phone_number"`
	Email          string `json:"email,omitempty"`
	DeliveryMethod string `json:"delivery_method"`
	City           string `json:"city"`
	PostOffice     string `json:"post_office"`
	Comment        string `json:"comment,omitempty"`
}
