package respond

import "github.com/shopspring/decimal"

// Kind is the wire name of an intent.
type Kind string

const (
	KindInvoiceRequest Kind = "invoice_request"
	KindPaymentReceipt Kind = "payment_receipt"
	KindGeneralEnquiry Kind = "general_enquiry"
	KindCTNRequest     Kind = "ctn_request"
	KindUnknown        Kind = "unknown"
)

// Intent is what the customer wants. Each variant carries only the fields
// that matter for it.
type Intent interface {
	Kind() Kind
}

type InvoiceRequest struct {
	BLNumbers []string
}

type PaymentReceipt struct {
	BLNumbers  []string
	PaidAmount decimal.NullDecimal
}

type GeneralEnquiry struct{}

type CTNRequest struct {
	BLNumbers []string
}

type Unknown struct{}

func (InvoiceRequest) Kind() Kind { return KindInvoiceRequest }
func (PaymentReceipt) Kind() Kind { return KindPaymentReceipt }
func (GeneralEnquiry) Kind() Kind { return KindGeneralEnquiry }
func (CTNRequest) Kind() Kind     { return KindCTNRequest }
func (Unknown) Kind() Kind        { return KindUnknown }

// ClaimedBLs returns the BL numbers the model attributed to the email.
func ClaimedBLs(i Intent) []string {
	switch v := i.(type) {
	case InvoiceRequest:
		return v.BLNumbers
	case PaymentReceipt:
		return v.BLNumbers
	case CTNRequest:
		return v.BLNumbers
	}
	return nil
}

// MayMutateBills reports whether an email with this intent is allowed to
// move bills forward.
func MayMutateBills(i Intent) bool {
	switch i.(type) {
	case PaymentReceipt, Unknown:
		return true
	}
	return false
}
