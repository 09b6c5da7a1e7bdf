// Package store holds the relational records touched by the payments
// pipeline and a SQLite implementation of their persistence.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bill statuses the pipeline reads or writes. Bills only move forward.
const (
	StatusPending        = "Pending"
	StatusInvoiced       = "Invoiced"
	StatusAwaitingBankIn = "Awaiting Bank In"
	StatusPaid           = "Paid"
)

// Reply authors.
const (
	AuthorAssistant = "assistant_draft"
	AuthorStaff     = "staff"
)

// ErrorKind labels a row in the ingest error table.
type ErrorKind string

const (
	KindTransientIO         ErrorKind = "transient_io"
	KindExtractionAmbiguity ErrorKind = "extraction_ambiguity"
	KindUnderpayment        ErrorKind = "underpayment_mismatch"
	KindNoAmount            ErrorKind = "no_amount"
	KindNoValidBL           ErrorKind = "no_valid_bl"
	KindClassificationParse ErrorKind = "classification_parse_failure"
	KindOverpaymentReview   ErrorKind = "overpayment_review"
)

// Bill is a bill-of-lading billing record.
type Bill struct {
	ID                int64
	BLNumber          string
	CTNFee            decimal.Decimal
	ServiceFee        decimal.Decimal
	Status            string
	ReceiptURL        string
	ReceiptUploadedAt time.Time
	ReserveStatus     string
	PaymentMethod     string
	InvoiceURL        string
	CTNNumber         string
}

// Expected is the invoice amount the customer owes for this bill.
func (b Bill) Expected() decimal.Decimal {
	return b.CTNFee.Add(b.ServiceFee)
}

// InboundEmail is one customer email row. MessageID is unique when set.
type InboundEmail struct {
	ID                   int64
	MessageID            string
	Sender               string
	Subject              string
	Body                 string
	AttachmentURLs       []string
	BLNumbers            []string
	PaymentReference     string
	CreatedAt            time.Time
	ProcessedForPayments bool
}

// DraftReply is a generated (or staff-written) reply to an InboundEmail.
type DraftReply struct {
	ID                  int64
	CustomerEmailID     int64
	Sender              string
	Body                string
	CreatedAt           time.Time
	IsDraft             bool
	ConfidenceScore     float64
	ConfidenceReasoning string // JSON
	AutoSendRecommended bool
	AutoSent            bool
	AutoSentAt          time.Time
	SentAt              time.Time

	// Joined from the email row, not stored on the reply.
	Recipient string
	Subject   string
}

// IngestError is a staff-review entry for an email the pipeline could not
// settle on its own.
type IngestError struct {
	ID        int64
	MessageID string
	Filename  string
	Kind      ErrorKind
	Reason    string
	RawText   string
	CreatedAt time.Time
}
