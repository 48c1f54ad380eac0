// Package payment turns an order-create response into the customer's next
// navigation and reconciles the payment once they return.
package payment

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lavka-ua/storefront/internal/domain"
)

// DefaultInvoiceDelay lets the success message render before navigation.
const DefaultInvoiceDelay = time.Second

// Redirect is the payment step derived from an order-create response. The
// set of variants is closed: InvoiceRedirect, DirectPaymentLink,
// JSONAPIInvoice, FormPostInvoice, NoPaymentRequired, PaymentCreationFailed.
type Redirect interface {
	redirect()
}

// InvoiceRedirect navigates to a hosted invoice after Delay.
type InvoiceRedirect struct {
	URL   string
	Delay time.Duration
}

// DirectPaymentLink navigates straight to a payment page.
type DirectPaymentLink struct {
	URL string
}

// JSONAPIInvoice must be posted as JSON to Endpoint; the provider answers
// with the invoice URL.
type JSONAPIInvoice struct {
	Endpoint string
	Payload  map[string]any
}

// FormPostInvoice is submitted by the browser as a form POST to Action.
type FormPostInvoice struct {
	Action string
	Fields []FormField
}

// NoPaymentRequired means the order is placed and paid offline.
type NoPaymentRequired struct{}

// PaymentCreationFailed means the server returned no payment target.
type PaymentCreationFailed struct {
	Reason string
}

func (InvoiceRedirect) redirect()       {}
func (DirectPaymentLink) redirect()     {}
func (JSONAPIInvoice) redirect()        {}
func (FormPostInvoice) redirect()       {}
func (NoPaymentRequired) redirect()     {}
func (PaymentCreationFailed) redirect() {}

// FormField is one name/value pair of a form post.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Classify picks the redirect from which fields the server filled in:
// invoiceUrl first, then a bare paymentUrl, then paymentData posted either
// to a JSON API endpoint or as a form. An empty response is only valid for
// methods without an online payment step.
func Classify(resp *domain.CreateOrderResponse, method domain.PaymentType, delay time.Duration) Redirect {
	switch {
	case resp.InvoiceURL != "":
		return InvoiceRedirect{URL: resp.InvoiceURL, Delay: delay}
	case resp.PaymentURL != "" && len(resp.PaymentData) == 0:
		return DirectPaymentLink{URL: resp.PaymentURL}
	case resp.PaymentURL != "" && IsJSONAPIEndpoint(resp.PaymentURL):
		return JSONAPIInvoice{Endpoint: resp.PaymentURL, Payload: resp.PaymentData}
	case resp.PaymentURL != "":
		return FormPostInvoice{Action: resp.PaymentURL, Fields: ExpandFields(resp.PaymentData)}
	case !method.RequiresOnlinePayment():
		return NoPaymentRequired{}
	default:
		return PaymentCreationFailed{Reason: "payment could not be created"}
	}
}

// IsJSONAPIEndpoint reports whether u's path ends in /api.
func IsJSONAPIEndpoint(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(parsed.Path, "/"), "/api")
}

// ExpandFields flattens a payment payload into form fields sorted by name.
// Array values become name[0], name[1], ... in element order.
func ExpandFields(data map[string]any) []FormField {
	fields := make([]FormField, 0, len(data))
	for name, v := range data {
		switch vv := v.(type) {
		case []any:
			for i, el := range vv {
				fields = append(fields, FormField{Name: fmt.Sprintf("%s[%d]", name, i), Value: formValue(el)})
			}
		case []string:
			for i, el := range vv {
				fields = append(fields, FormField{Name: fmt.Sprintf("%s[%d]", name, i), Value: el})
			}
		default:
			fields = append(fields, FormField{Name: name, Value: formValue(v)})
		}
	}

	// Indexed names sort by base name, then numerically by index.
	sort.SliceStable(fields, func(i, j int) bool {
		bi, ii := splitIndex(fields[i].Name)
		bj, ij := splitIndex(fields[j].Name)
		if bi != bj {
			return bi < bj
		}
		return ii < ij
	})
	return fields
}

func splitIndex(name string) (string, int) {
	open := strings.LastIndexByte(name, '[')
	if open < 0 || !strings.HasSuffix(name, "]") {
		return name, -1
	}
	var idx int
	if _, err := fmt.Sscanf(name[open:], "[%d]", &idx); err != nil {
		return name, -1
	}
	return name[:open], idx
}

func formValue(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	default:
		return fmt.Sprint(vv)
	}
}

// Navigation is what the browser does next: GET URL after DelayMs, or
// POST Fields to URL as a UTF-8 form.
type Navigation struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Fields  []FormField `json:"fields,omitempty"`
	DelayMs int64       `json:"delayMs,omitempty"`
	Charset string      `json:"charset,omitempty"`
}

// Navigate returns the browser navigation for r. It reports false for
// variants that do not navigate.
func Navigate(r Redirect) (Navigation, bool) {
	switch v := r.(type) {
	case InvoiceRedirect:
		return Navigation{Method: "GET", URL: v.URL, DelayMs: v.Delay.Milliseconds()}, true
	case DirectPaymentLink:
		return Navigation{Method: "GET", URL: v.URL}, true
	case FormPostInvoice:
		return Navigation{Method: "POST", URL: v.Action, Fields: v.Fields, Charset: "UTF-8"}, true
	case JSONAPIInvoice, NoPaymentRequired, PaymentCreationFailed:
		return Navigation{}, false
	default:
		panic(fmt.Sprintf("payment: unhandled redirect %T", r))
	}
}
