// Package checkout runs a storefront checkout attempt: local form checks,
// the stock pre-check, the single order submission and the payment step.
package checkout

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lavka-ua/storefront/internal/domain"
	"github.com/lavka-ua/storefront/pkg/validator"
)

// Form is the customer part of the checkout page.
type Form struct {
	CustomerName   string             `json:"customer_name" validate:"required,fullname"`
	PhoneNumber    string             `json:"phone_number" validate:"required,intlphone"`
	Email          string             `json:"email,omitempty" validate:"omitempty,email"`
	DeliveryMethod string             `json:"delivery_method" validate:"required"`
	City           string             `json:"city" validate:"required"`
	PostOffice     string             `json:"post_office" validate:"required"`
	Comment        string             `json:"comment,omitempty" validate:"max=1000"`
	PaymentType    domain.PaymentType `json:"payment_type" validate:"required,oneof=test wayforpay wayforpay_invoice plisio cash_on_delivery"`
}

// Trimmed returns the form with surrounding whitespace removed, so a
// blank-only value counts as missing.
func (f Form) Trimmed() Form {
	f.CustomerName = strings.Join(strings.Fields(f.CustomerName), " ")
	f.PhoneNumber = strings.TrimSpace(f.PhoneNumber)
	f.Email = strings.TrimSpace(f.Email)
	f.DeliveryMethod = strings.TrimSpace(f.DeliveryMethod)
	f.City = strings.TrimSpace(f.City)
	f.PostOffice = strings.TrimSpace(f.PostOffice)
	f.Comment = strings.TrimSpace(f.Comment)
	f.PaymentType = domain.PaymentType(strings.TrimSpace(string(f.PaymentType)))
	return f
}

// Customer returns the contact snapshot kept while the customer pays.
func (f Form) Customer() domain.Customer {
	return domain.Customer{
		Name:           f.CustomerName,
		Phone:          validator.NormalizePhone(f.PhoneNumber),
		Email:          f.Email,
		DeliveryMethod: f.DeliveryMethod,
		City:           f.City,
		PostOffice:     f.PostOffice,
		Comment:        f.Comment,
	}
}

// FieldErrors maps a form field (its JSON name) to the message shown next
// to it.
type FieldErrors map[string]string

// Field messages shown on the checkout page.
const (
	MsgFullName       = "введіть ім'я та прізвище повністю"
	MsgPhone          = "введіть номер телефону у форматі +380XXXXXXXXX"
	MsgEmail          = "введіть коректну адресу електронної пошти"
	MsgDeliveryMethod = "оберіть спосіб доставки"
	MsgCity           = "вкажіть місто"
	MsgPostOffice     = "вкажіть адресу або відділення"
	MsgPaymentType    = "оберіть спосіб оплати"
	MsgComment        = "коментар задовгий"
)

var fieldMessages = map[string]string{
	"customer_name":   MsgFullName,
	"phone_number":    MsgPhone,
	"email":           MsgEmail,
	"delivery_method": MsgDeliveryMethod,
	"city":            MsgCity,
	"post_office":     MsgPostOffice,
	"payment_type":    MsgPaymentType,
	"comment":         MsgComment,
}

// ValidateForm checks f without any network call. It returns nil when the
// form is complete.
func ValidateForm(f Form) FieldErrors {
	err := validator.Validate(f.Trimmed())
	if err == nil {
		return nil
	}

	var valErr *validator.ValidationError
	if !errors.As(err, &valErr) {
		return FieldErrors{"form": err.Error()}
	}

	out := make(FieldErrors, len(valErr.Errors))
	for field, msg := range valErr.Fields() {
		if local, ok := fieldMessages[field]; ok {
			msg = local
		}
		out[field] = msg
	}
	return out
}

// BuildOrderRequest prices the basket for submission. Each line gets the
// larger of its own discount and the loyalty percent; the unit price is
// rounded to two decimals before it is multiplied by the quantity, and the
// total is the sum of those line totals.
func BuildOrderRequest(items []domain.CartItem, f Form, loyaltyPercent decimal.Decimal) *domain.CreateOrderRequest {
	f = f.Trimmed()

	lines := make([]domain.OrderItemRequest, len(items))
	total := decimal.Zero
	for i, it := range items {
		pct := domain.MaxPercent(it.DiscountPercentage, loyaltyPercent)
		price := domain.DiscountedPrice(it.UnitPrice.Decimal, pct)
		total = total.Add(price.Mul(decimal.NewFromInt(int64(it.Quantity))))

		lines[i] = domain.OrderItemRequest{
			ProductID:          it.ProductID,
			ProductName:        it.Name,
			Size:               it.Size,
			Quantity:           it.Quantity,
			Price:              domain.NewMoney(price),
			OriginalPrice:      domain.NewMoney(it.UnitPrice.Decimal),
			DiscountPercentage: pct,
			Color:              it.Color,
		}
	}

	return &domain.CreateOrderRequest{
		CustomerName:   f.CustomerName,
		PhoneNumber:    validator.NormalizePhone(f.PhoneNumber),
		Email:          f.Email,
		DeliveryMethod: f.DeliveryMethod,
		City:           f.City,
		PostOffice:     f.PostOffice,
		Comment:        f.Comment,
		PaymentType:    f.PaymentType,
		TotalAmount:    domain.NewMoney(total),
		Items:          lines,
	}
}
