package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentType names the payment method chosen at checkout.
type PaymentType string

const (
	PaymentTest             PaymentType = "test"
	PaymentWayForPay        PaymentType = "wayforpay"
	PaymentWayForPayInvoice PaymentType = "wayforpay_invoice"
	PaymentPlisio           PaymentType = "plisio"
	PaymentCashOnDelivery   PaymentType = "cash_on_delivery"
)

// RequiresOnlinePayment reports whether the method has a payment step after
// the order is created.
func (p PaymentType) RequiresOnlinePayment() bool {
	return p != PaymentCashOnDelivery
}

// Order is a submitted checkout.
type Order struct {
	ID               string        `json:"id"`
	UserID           *string       `json:"user_id,omitempty"`
	CustomerName     string        `json:"customer_name"`
	PhoneNumber      string        `json:"phone_number"`
	Email            string        `json:"email,omitempty"`
	DeliveryMethod   string        `json:"delivery_method"`
	City             string        `json:"city"`
	PostOffice       string        `json:"post_office"`
	Comment          string        `json:"comment,omitempty"`
	PaymentType      PaymentType   `json:"payment_type"`
	TotalAmount      Money         `json:"total_amount"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	InvoiceReference *string       `json:"invoice_reference,omitempty"`
	Items            []OrderItem   `json:"items"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// OrderItem is a line of an order. Price is the unit price after discount.
type OrderItem struct {
	ProductID          int64           `json:"product_id"`
	ProductName        string          `json:"product_name"`
	Size               string          `json:"size"`
	Color              string          `json:"color"`
	Quantity           int             `json:"quantity"`
	Price              Money           `json:"price"`
	OriginalPrice      Money           `json:"original_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

// LineTotal is price × quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderTotal sums the line totals of the items.
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return Round2(total)
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	CustomerName   string             `json:"customer_name" validate:"required,fullname"`
	PhoneNumber    string             `json:"phone_number" validate:"required,intlphone"`
	Email          string             `json:"email,omitempty" validate:"omitempty,email"`
	DeliveryMethod string             `json:"delivery_method" validate:"required"`
	City           string             `json:"city" validate:"required"`
	PostOffice     string             `json:"post_office" validate:"required"`
	Comment        string             `json:"comment,omitempty" validate:"max=1000"`
	PaymentType    PaymentType        `json:"payment_type" validate:"required,oneof=test wayforpay wayforpay_invoice plisio cash_on_delivery"`
	TotalAmount    Money              `json:"total_amount"`
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

// OrderItemRequest is one line of CreateOrderRequest.
type OrderItemRequest struct {
	ProductID          int64           `json:"product_id" validate:"required,gt=0"`
	ProductName        string          `json:"product_name" validate:"required"`
	Size               string          `json:"size" validate:"required"`
	Quantity           int             `json:"quantity" validate:"gte=1,lte=99"`
	Price              Money           `json:"price"`
	OriginalPrice      Money           `json:"original_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Color              string          `json:"color"`
}

// CreateOrderResponse is the success body of POST /orders. At most one of
// the payment fields shapes is meaningful; see payment.Classify.
type CreateOrderResponse struct {
	OrderID     string         `json:"orderId"`
	Reference   string         `json:"invoiceReference,omitempty"`
	InvoiceURL  string         `json:"invoiceUrl,omitempty"`
	PaymentURL  string         `json:"paymentUrl,omitempty"`
	PaymentData map[string]any `json:"paymentData,omitempty"`
}

// PaymentInstructions is what a payment gateway hands back for a new order.
type PaymentInstructions struct {
	Reference   string
	InvoiceURL  string
	PaymentURL  string
	PaymentData map[string]any
}
