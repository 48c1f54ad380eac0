package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lavka-ua/storefront/internal/domain"
)

// WayForPay endpoints.
const (
	WayForPayPurchaseURL = "https://secure.wayforpay.com/pay"
	WayForPayAPIURL      = "https://api.wayforpay.com/api"
)

// WayForPayConfig holds merchant credentials and callback URLs.
type WayForPayConfig struct {
	MerchantAccount string
	SecretKey       string
	MerchantDomain  string
	ReturnURL       string
	ServiceURL      string
	Currency        string
	Language        string
}

// Signer computes WayForPay HMAC-MD5 signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the merchant secret key.
func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// Sign joins parts with ";" and returns the hex HMAC-MD5 of the result.
func (s Signer) Sign(parts ...string) string {
	mac := hmac.New(md5.New, s.secret)
	mac.Write([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches parts.
func (s Signer) Verify(signature string, parts ...string) bool {
	want := s.Sign(parts...)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) == 1
}

// WayForPay builds a signed Purchase form the customer's browser posts to
// the hosted checkout page.
type WayForPay struct {
	cfg    WayForPayConfig
	signer Signer
	now    func() time.Time
}

// NewWayForPay creates the hosted-form provider.
func NewWayForPay(cfg WayForPayConfig) *WayForPay {
	return &WayForPay{cfg: withDefaults(cfg), signer: NewSigner(cfg.SecretKey), now: time.Now}
}

func (w *WayForPay) Type() domain.PaymentType { return domain.PaymentWayForPay }

func (w *WayForPay) Create(_ context.Context, order *domain.Order, reference string) (domain.PaymentInstructions, error) {
	data := purchaseData(w.cfg, w.signer, order, reference, w.now())
	data["returnUrl"] = w.cfg.ReturnURL
	data["language"] = w.cfg.Language
	data["merchantAuthType"] = "SimpleSignature"

	return domain.PaymentInstructions{
		Reference:   reference,
		PaymentURL:  WayForPayPurchaseURL,
		PaymentData: data,
	}, nil
}

// WayForPayInvoice builds a signed CREATE_INVOICE request the storefront
// posts to the WayForPay JSON API, which answers with an invoice URL.
type WayForPayInvoice struct {
	cfg    WayForPayConfig
	signer Signer
	now    func() time.Time
}

// NewWayForPayInvoice creates the invoice provider.
func NewWayForPayInvoice(cfg WayForPayConfig) *WayForPayInvoice {
	return &WayForPayInvoice{cfg: withDefaults(cfg), signer: NewSigner(cfg.SecretKey), now: time.Now}
}

func (w *WayForPayInvoice) Type() domain.PaymentType { return domain.PaymentWayForPayInvoice }

func (w *WayForPayInvoice) Create(_ context.Context, order *domain.Order, reference string) (domain.PaymentInstructions, error) {
	data := purchaseData(w.cfg, w.signer, order, reference, w.now())
	data["transactionType"] = "CREATE_INVOICE"
	data["merchantAuthType"] = "SimpleSignature"
	data["apiVersion"] = 1
	data["language"] = w.cfg.Language

	return domain.PaymentInstructions{
		Reference:   reference,
		PaymentURL:  WayForPayAPIURL,
		PaymentData: data,
	}, nil
}

func withDefaults(cfg WayForPayConfig) WayForPayConfig {
	if cfg.Currency == "" {
		cfg.Currency = "UAH"
	}
	if cfg.Language == "" {
		cfg.Language = "UA"
	}
	return cfg
}

// purchaseData returns the fields shared by Purchase and CREATE_INVOICE,
// including merchantSignature.
func purchaseData(cfg WayForPayConfig, signer Signer, order *domain.Order, reference string, now time.Time) map[string]any {
	names := make([]string, len(order.Items))
	counts := make([]string, len(order.Items))
	prices := make([]string, len(order.Items))
	for i, it := range order.Items {
		names[i] = it.ProductName
		counts[i] = strconv.Itoa(it.Quantity)
		prices[i] = it.Price.String()
	}

	orderDate := strconv.FormatInt(now.Unix(), 10)
	amount := order.TotalAmount.String()

	parts := []string{cfg.MerchantAccount, cfg.MerchantDomain, reference, orderDate, amount, cfg.Currency}
	parts = append(parts, names...)
	parts = append(parts, counts...)
	parts = append(parts, prices...)

	first, last := splitName(order.CustomerName)
	data := map[string]any{
		"merchantAccount":    cfg.MerchantAccount,
		"merchantDomainName": cfg.MerchantDomain,
		"merchantSignature":  signer.Sign(parts...),
		"orderReference":     reference,
		"orderDate":          orderDate,
		"amount":             amount,
		"currency":           cfg.Currency,
		"productName":        names,
		"productCount":       counts,
		"productPrice":       prices,
		"clientFirstName":    first,
		"clientLastName":     last,
		"clientPhone":        order.PhoneNumber,
		"serviceUrl":         cfg.ServiceURL,
	}
	if order.Email != "" {
		data["clientEmail"] = order.Email
	}
	return data
}

// Callback is the body WayForPay posts to the service URL.
type Callback struct {
	MerchantAccount   string      `json:"merchantAccount"`
	OrderReference    string      `json:"orderReference"`
	MerchantSignature string      `json:"merchantSignature"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	AuthCode          string      `json:"authCode"`
	CardPan           string      `json:"cardPan"`
	TransactionStatus string      `json:"transactionStatus"`
	ReasonCode        int         `json:"reasonCode"`
	Reason            string      `json:"reason"`
}

// WayForPay transaction statuses that end the payment.
const (
	StatusApproved = "Approved"
	StatusDeclined = "Declined"
	StatusExpired  = "Expired"
	StatusRefunded = "Refunded"
)

// PaymentStatus maps the transaction status to an order payment status.
// ok is false for intermediate statuses such as InProcessing.
func (c Callback) PaymentStatus() (domain.PaymentStatus, bool) {
	switch c.TransactionStatus {
	case StatusApproved:
		return domain.PaymentPaid, true
	case StatusDeclined, StatusExpired:
		return domain.PaymentFailed, true
	default:
		return "", false
	}
}

// VerifyCallback checks the callback signature.
func (s Signer) VerifyCallback(c Callback) bool {
	return s.Verify(c.MerchantSignature,
		c.MerchantAccount,
		c.OrderReference,
		c.Amount.String(),
		c.Currency,
		c.AuthCode,
		c.CardPan,
		c.TransactionStatus,
		strconv.Itoa(c.ReasonCode),
	)
}

// CallbackAnswer is the signed acknowledgement WayForPay expects.
type CallbackAnswer struct {
	OrderReference string `json:"orderReference"`
	Status         string `json:"status"`
	Time           int64  `json:"time"`
	Signature      string `json:"signature"`
}

// Accept returns the acknowledgement for reference.
func (s Signer) Accept(reference string, now time.Time) CallbackAnswer {
	ts := now.Unix()
	return CallbackAnswer{
		OrderReference: reference,
		Status:         "accept",
		Time:           ts,
		Signature:      s.Sign(reference, "accept", strconv.FormatInt(ts, 10)),
	}
}
