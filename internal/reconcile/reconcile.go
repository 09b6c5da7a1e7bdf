// Package reconcile matches a claimed payment against outstanding bills and
// moves the bills forward when the amount checks out.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/metrics"
	"github.com/iqstrade/payinbox/internal/receipt"
	"github.com/iqstrade/payinbox/internal/store"
)

// Outcome is the verdict for one email.
type Outcome string

const (
	Matched   Outcome = "matched"
	Underpaid Outcome = "underpaid"
	NoValidBL Outcome = "no_valid_bl"
	NoAmount  Outcome = "no_amount"
)

// DefaultTolerance is the absolute slack allowed below the expected total.
var DefaultTolerance = decimal.RequireFromString("2.00")

// ErrNoReceipt means the payment matched but there was nothing to attach
// to the bills as proof.
var ErrNoReceipt = errors.New("no receipt available")

// Store is the slice of the relational store the engine needs.
type Store interface {
	FindBill(ctx context.Context, blNumber string) (*store.Bill, error)
	UpdateBillReceipt(ctx context.Context, id int64, url string, at time.Time) (bool, error)
	MarkProcessed(ctx context.Context, emailID int64) (bool, error)
}

type Uploader interface {
	Upload(ctx context.Context, path, folder string) (string, error)
}

type Renderer interface {
	RenderPDF(ctx context.Context, rec receipt.Receipt) (string, error)
}

// Attachment is a local attachment file, with its blob URL when it has
// already been uploaded.
type Attachment struct {
	Path string
	URL  string
}

// Claim is everything the engine knows about one email's payment.
type Claim struct {
	EmailID     int64
	BLNumbers   []string
	PaidAmount  decimal.NullDecimal
	Body        string
	Attachments []Attachment
	ReceivedAt  time.Time
}

// Result is the verdict for one claim. A Matched outcome only moved the
// bills when Applied is set; a receipt or store failure after the amount
// check leaves Applied false.
type Result struct {
	Outcome  Outcome
	Bills    []store.Bill
	Missing  []string
	Expected decimal.Decimal
	Paid     decimal.NullDecimal

	// Overpaid is set when the payment exceeds the expected total by more
	// than the tolerance. The bills still move forward.
	Overpaid   bool
	ReceiptURL string
	Updated    int
	Applied    bool
}

// Difference is paid minus expected. Zero when no amount was claimed.
func (r Result) Difference() decimal.Decimal {
	if !r.Paid.Valid {
		return decimal.Zero
	}
	return r.Paid.Decimal.Sub(r.Expected)
}

// Config tunes the engine. Tolerance defaults to DefaultTolerance and
// DBTimeout to ten seconds.
type Config struct {
	Tolerance decimal.Decimal
	Folder    string
	Mailbox   string
	DBTimeout time.Duration
}

type Engine struct {
	store    Store
	uploader Uploader
	renderer Renderer
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New returns an engine that reads bills from s and stores receipts through
// u. r may be nil, in which case a body-only payment cannot produce a receipt.
func New(s Store, u Uploader, r Renderer, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, uploader: u, renderer: r, config: cfg, logger: logger, now: time.Now}
}

// Reconcile decides the outcome for claim and applies it. The email is
// marked processed exactly once on every path, including errors, so it is
// never reconciled twice. Bills only move when the paid amount is within
// tolerance of, or above, the expected total.
func (e *Engine) Reconcile(ctx context.Context, claim Claim) (res Result, err error) {
	res.Paid = claim.PaidAmount

	defer func() {
		if markErr := e.markProcessed(ctx, claim.EmailID); markErr != nil {
			err = errors.Join(err, markErr)
		}
		switch {
		case res.Outcome == Matched && !res.Applied:
			metrics.IncReconciliation("unapplied")
		case res.Outcome != "":
			metrics.IncReconciliation(string(res.Outcome))
		}
	}()

	if len(claim.BLNumbers) == 0 {
		res.Outcome = NoValidBL
		return res, nil
	}

	for _, bl := range claim.BLNumbers {
		bill, err := e.findBill(ctx, bl)
		if err != nil {
			return res, err
		}
		if bill == nil {
			res.Missing = append(res.Missing, bl)
			continue
		}
		res.Bills = append(res.Bills, *bill)
		res.Expected = res.Expected.Add(bill.Expected())
	}
	if len(res.Bills) == 0 {
		res.Outcome = NoValidBL
		return res, nil
	}

	if !claim.PaidAmount.Valid {
		res.Outcome = NoAmount
		e.logger.Info("No payment amount found, leaving bills for manual review",
			zap.Int64("email_id", claim.EmailID), zap.Strings("bl_numbers", claim.BLNumbers))
		return res, nil
	}

	paid := claim.PaidAmount.Decimal
	if paid.LessThan(res.Expected.Sub(e.config.Tolerance)) {
		res.Outcome = Underpaid
		e.logger.Warn("Payment below expected amount",
			zap.Int64("email_id", claim.EmailID),
			zap.String("expected", res.Expected.StringFixed(2)),
			zap.String("paid", paid.StringFixed(2)))
		return res, nil
	}
	res.Outcome = Matched
	res.Overpaid = paid.GreaterThan(res.Expected.Add(e.config.Tolerance))

	url, err := e.resolveReceipt(ctx, claim)
	if err != nil {
		return res, err
	}
	res.ReceiptURL = url

	at := e.now()
	for _, bill := range res.Bills {
		ok, err := e.updateBill(ctx, bill.ID, url, at)
		if err != nil {
			return res, err
		}
		if !ok {
			e.logger.Info("Bill already past receipt stage, left unchanged",
				zap.String("bl_number", bill.BLNumber), zap.String("status", bill.Status))
			continue
		}
		res.Updated++
	}
	res.Applied = true

	e.logger.Info("Payment reconciled",
		zap.Int64("email_id", claim.EmailID),
		zap.Int("bills", len(res.Bills)),
		zap.Int("updated", res.Updated),
		zap.Bool("overpaid", res.Overpaid))
	return res, nil
}

// resolveReceipt returns a blob URL for the proof of payment: an attached
// PDF first, then a PDF rendered from the body, then any other attachment.
func (e *Engine) resolveReceipt(ctx context.Context, claim Claim) (string, error) {
	for _, att := range claim.Attachments {
		if strings.EqualFold(filepath.Ext(att.Path), ".pdf") {
			return e.upload(ctx, att)
		}
	}

	if strings.TrimSpace(claim.Body) != "" && e.renderer != nil {
		receivedAt := claim.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = e.now()
		}
		path, err := e.renderer.RenderPDF(ctx, receipt.Receipt{
			Body:       claim.Body,
			Mailbox:    e.config.Mailbox,
			ReceivedAt: receivedAt,
		})
		if err != nil {
			return "", fmt.Errorf("failed to render receipt: %w", err)
		}
		defer os.Remove(path)
		return e.upload(ctx, Attachment{Path: path})
	}

	if len(claim.Attachments) > 0 {
		return e.upload(ctx, claim.Attachments[0])
	}
	return "", ErrNoReceipt
}

func (e *Engine) upload(ctx context.Context, att Attachment) (string, error) {
	if att.URL != "" {
		return att.URL, nil
	}
	url, err := e.uploader.Upload(ctx, att.Path, e.config.Folder)
	if err != nil {
		return "", fmt.Errorf("failed to upload receipt: %w", err)
	}
	return url, nil
}

func (e *Engine) findBill(ctx context.Context, bl string) (*store.Bill, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.DBTimeout)
	defer cancel()
	bill, err := e.store.FindBill(ctx, bl)
	if err != nil {
		return nil, fmt.Errorf("failed to look up bill %s: %w", bl, err)
	}
	return bill, nil
}

func (e *Engine) updateBill(ctx context.Context, id int64, url string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.DBTimeout)
	defer cancel()
	ok, err := e.store.UpdateBillReceipt(ctx, id, url, at)
	if err != nil {
		return false, fmt.Errorf("failed to update bill %d: %w", id, err)
	}
	return ok, nil
}

func (e *Engine) markProcessed(ctx context.Context, emailID int64) error {
	// Runs even after the caller's context is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.DBTimeout)
	defer cancel()
	if _, err := e.store.MarkProcessed(ctx, emailID); err != nil {
		return fmt.Errorf("failed to mark email %d processed: %w", emailID, err)
	}
	return nil
}
