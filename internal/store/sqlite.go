package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLite is the default store, a single local database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps the conditional updates serialized
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS bill_of_lading (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bl_number TEXT NOT NULL UNIQUE,
		ctn_fee TEXT NOT NULL DEFAULT '0',
		service_fee TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'Pending',
		receipt_url TEXT,
		receipt_uploaded_at DATETIME,
		reserve_status TEXT,
		payment_method TEXT,
		invoice_url TEXT,
		ctn_number TEXT
	);

	CREATE TABLE IF NOT EXISTS customer_emails (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT,
		attachment_urls TEXT,
		bl_numbers TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_for_payments INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_ce_sender_subject ON customer_emails(sender, subject);

	CREATE TABLE IF NOT EXISTS customer_email_replies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_email_id INTEGER NOT NULL REFERENCES customer_emails(id),
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		is_draft INTEGER NOT NULL DEFAULT 1,
		confidence_score REAL,
		confidence_reasoning TEXT,
		auto_send_recommended INTEGER NOT NULL DEFAULT 0,
		auto_sent INTEGER NOT NULL DEFAULT 0,
		auto_sent_at DATETIME,
		sent_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_cer_is_draft ON customer_email_replies(is_draft);

	-- Review table for emails that need a human
	CREATE TABLE IF NOT EXISTS email_ingest_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT,
		filename TEXT,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		raw_text TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_eie_kind ON email_ingest_errors(kind);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Columns added after the first release. SQLite has no ADD COLUMN IF NOT
	// EXISTS, so an existing column is detected from the error.
	for _, stmt := range []string{
		`ALTER TABLE customer_emails ADD COLUMN payment_reference TEXT`,
	} {
		if _, err := s.db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// scanBill handles nullable columns when scanning a bill row
func scanBill(scanner interface{ Scan(...any) error }) (*Bill, error) {
	var b Bill
	var ctnFee, serviceFee string
	var receiptURL, reserve, method, invoiceURL, ctnNumber sql.NullString
	var uploadedAt sql.NullTime

	err := scanner.Scan(&b.ID, &b.BLNumber, &ctnFee, &serviceFee, &b.Status,
		&receiptURL, &uploadedAt, &reserve, &method, &invoiceURL, &ctnNumber)
	if err != nil {
		return nil, err
	}

	if b.CTNFee, err = parseMoney(ctnFee); err != nil {
		return nil, fmt.Errorf("bill %s: ctn_fee: %w", b.BLNumber, err)
	}
	if b.ServiceFee, err = parseMoney(serviceFee); err != nil {
		return nil, fmt.Errorf("bill %s: service_fee: %w", b.BLNumber, err)
	}
	b.ReceiptURL = receiptURL.String
	b.ReceiptUploadedAt = uploadedAt.Time
	b.ReserveStatus = reserve.String
	b.PaymentMethod = method.String
	b.InvoiceURL = invoiceURL.String
	b.CTNNumber = ctnNumber.String
	return &b, nil
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

const billColumns = `id, bl_number, ctn_fee, service_fee, status, receipt_url,
	receipt_uploaded_at, reserve_status, payment_method, invoice_url, ctn_number`

func (s *SQLite) FindBill(ctx context.Context, blNumber string) (*Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bill_of_lading WHERE bl_number = ?`

	bill, err := scanBill(s.db.QueryRowContext(ctx, query, blNumber))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bill: %w", err)
	}
	return bill, nil
}

func (s *SQLite) AddBill(ctx context.Context, b *Bill) error {
	if b.Status == "" {
		b.Status = StatusPending
	}
	query := `
	INSERT INTO bill_of_lading (bl_number, ctn_fee, service_fee, status, reserve_status, payment_method, invoice_url, ctn_number)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(bl_number) DO UPDATE SET
		ctn_fee = excluded.ctn_fee,
		service_fee = excluded.service_fee,
		invoice_url = excluded.invoice_url,
		ctn_number = excluded.ctn_number`

	_, err := s.db.ExecContext(ctx, query,
		b.BLNumber,
		b.CTNFee.StringFixed(2),
		b.ServiceFee.StringFixed(2),
		b.Status,
		b.ReserveStatus,
		b.PaymentMethod,
		b.InvoiceURL,
		b.CTNNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}

	return s.db.QueryRowContext(ctx, `SELECT id FROM bill_of_lading WHERE bl_number = ?`, b.BLNumber).Scan(&b.ID)
}

// UpdateBillReceipt attaches a receipt and moves the bill to Awaiting Bank In.
// It reports false when the bill had already reached that status.
func (s *SQLite) UpdateBillReceipt(ctx context.Context, id int64, url string, at time.Time) (bool, error) {
	query := `
	UPDATE bill_of_lading
	SET receipt_url = ?, status = ?, receipt_uploaded_at = ?
	WHERE id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, query, url, StatusAwaitingBankIn, at, id, StatusAwaitingBankIn, StatusPaid)
	if err != nil {
		return false, fmt.Errorf("failed to update bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// InsertEmailIfNew stores the email unless its message id was seen before.
func (s *SQLite) InsertEmailIfNew(ctx context.Context, e *InboundEmail) (int64, bool, error) {
	attachments, _ := json.Marshal(nonNil(e.AttachmentURLs))
	bls, _ := json.Marshal(nonNil(e.BLNumbers))
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO customer_emails (message_id, sender, subject, body, attachment_urls, bl_numbers, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		nullString(e.MessageID), e.Sender, e.Subject, e.Body, string(attachments), string(bls), e.CreatedAt)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return id, true, nil
}

func (s *SQLite) SetEmailBLs(ctx context.Context, id int64, bls []string) error {
	data, _ := json.Marshal(nonNil(bls))
	if _, err := s.db.ExecContext(ctx, `UPDATE customer_emails SET bl_numbers = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("failed to update email bl numbers: %w", err)
	}
	return nil
}

func (s *SQLite) SetEmailAttachments(ctx context.Context, id int64, urls []string) error {
	data, _ := json.Marshal(nonNil(urls))
	if _, err := s.db.ExecContext(ctx, `UPDATE customer_emails SET attachment_urls = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("failed to update email attachments: %w", err)
	}
	return nil
}

// SetEmailReference stores the payment reference (a bank or TT ref) found
// in the email.
func (s *SQLite) SetEmailReference(ctx context.Context, id int64, ref string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE customer_emails SET payment_reference = ? WHERE id = ?`, ref, id); err != nil {
		return fmt.Errorf("failed to update email payment reference: %w", err)
	}
	return nil
}

// MarkProcessed flips processed_for_payments once; later calls report false.
func (s *SQLite) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customer_emails SET processed_for_payments = 1 WHERE id = ? AND processed_for_payments = 0`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark email processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) GetEmail(ctx context.Context, id int64) (*InboundEmail, error) {
	query := `
	SELECT id, message_id, sender, subject, body, attachment_urls, bl_numbers, payment_reference,
		created_at, processed_for_payments
	FROM customer_emails WHERE id = ?`

	var e InboundEmail
	var messageID, body, attachments, bls, ref sql.NullString
	var createdAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &messageID, &e.Sender, &e.Subject, &body,
		&attachments, &bls, &ref, &createdAt, &e.ProcessedForPayments)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email: %w", err)
	}

	e.MessageID = messageID.String
	e.Body = body.String
	e.CreatedAt = createdAt.Time
	e.AttachmentURLs = decodeList(attachments.String)
	e.BLNumbers = decodeList(bls.String)
	e.PaymentReference = ref.String
	return &e, nil
}

// FindOrCreateEmail returns the latest email row for sender+subject, creating
// an empty one when none exists.
func (s *SQLite) FindOrCreateEmail(ctx context.Context, sender, subject string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM customer_emails WHERE sender = ? AND subject = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sender, subject).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up email: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_emails (sender, subject, body, created_at) VALUES (?, ?, '', ?)`,
		sender, subject, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to create email: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) InsertDraft(ctx context.Context, d *DraftReply) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO customer_email_replies (customer_email_id, sender, body, created_at, is_draft,
		confidence_score, confidence_reasoning, auto_send_recommended)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		d.CustomerEmailID,
		d.Sender,
		d.Body,
		d.CreatedAt,
		d.IsDraft,
		d.ConfidenceScore,
		d.ConfidenceReasoning,
		d.AutoSendRecommended,
	)
	if err != nil {
		return fmt.Errorf("failed to insert draft: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	d.ID = id
	return nil
}

// ClaimDraft stamps sent_at on a reply nobody has sent yet. It reports false
// when another sender got there first, so a draft is delivered at most once.
func (s *SQLite) ClaimDraft(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customer_email_replies SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim draft: %w", err)
	}
	return n == 1, nil
}

// ReleaseDraft undoes a claim whose delivery failed.
func (s *SQLite) ReleaseDraft(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE customer_email_replies SET sent_at = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to release draft: %w", err)
	}
	return nil
}

// MarkDraftSent records delivery. auto distinguishes the confidence-gated
// path from a staff send.
func (s *SQLite) MarkDraftSent(ctx context.Context, id int64, auto bool, at time.Time) error {
	query := `UPDATE customer_email_replies SET is_draft = 0, sent_at = ? WHERE id = ?`
	args := []any{at, id}
	if auto {
		query = `UPDATE customer_email_replies SET is_draft = 0, sent_at = ?, auto_sent = 1, auto_sent_at = ? WHERE id = ?`
		args = []any{at, at, id}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark draft sent: %w", err)
	}
	return nil
}

const draftColumns = `r.id, r.customer_email_id, r.sender, r.body, r.created_at, r.is_draft,
	r.confidence_score, r.confidence_reasoning, r.auto_send_recommended, r.auto_sent,
	r.auto_sent_at, r.sent_at, e.sender, e.subject`

func scanDraft(scanner interface{ Scan(...any) error }) (*DraftReply, error) {
	var d DraftReply
	var score sql.NullFloat64
	var reasoning sql.NullString
	var createdAt, autoSentAt, sentAt sql.NullTime

	err := scanner.Scan(&d.ID, &d.CustomerEmailID, &d.Sender, &d.Body, &createdAt, &d.IsDraft,
		&score, &reasoning, &d.AutoSendRecommended, &d.AutoSent, &autoSentAt, &sentAt,
		&d.Recipient, &d.Subject)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = createdAt.Time
	d.ConfidenceScore = score.Float64
	d.ConfidenceReasoning = reasoning.String
	d.AutoSentAt = autoSentAt.Time
	d.SentAt = sentAt.Time
	return &d, nil
}

func (s *SQLite) GetDraft(ctx context.Context, id int64) (*DraftReply, error) {
	query := `SELECT ` + draftColumns + `
	FROM customer_email_replies r JOIN customer_emails e ON e.id = r.customer_email_id
	WHERE r.id = ?`

	d, err := scanDraft(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query draft: %w", err)
	}
	return d, nil
}

// ListDrafts returns replies newest first. pendingOnly keeps the ones never
// delivered, including auto-send attempts whose delivery failed.
func (s *SQLite) ListDrafts(ctx context.Context, pendingOnly bool, limit int) ([]DraftReply, error) {
	query := `SELECT ` + draftColumns + `
	FROM customer_email_replies r JOIN customer_emails e ON e.id = r.customer_email_id`
	if pendingOnly {
		query += ` WHERE r.sent_at IS NULL`
	}
	query += ` ORDER BY r.created_at DESC, r.id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []DraftReply
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

func (s *SQLite) RecordIngestError(ctx context.Context, ie *IngestError) error {
	if ie.CreatedAt.IsZero() {
		ie.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_ingest_errors (message_id, filename, kind, reason, raw_text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(ie.MessageID), nullString(ie.Filename), string(ie.Kind), ie.Reason, ie.RawText, ie.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ingest error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	ie.ID = id
	return nil
}

func (s *SQLite) ListIngestErrors(ctx context.Context, limit int) ([]IngestError, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, message_id, filename, kind, reason, raw_text, created_at
	FROM email_ingest_errors ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest errors: %w", err)
	}
	defer rows.Close()

	var out []IngestError
	for rows.Next() {
		var ie IngestError
		var messageID, filename, raw sql.NullString
		var createdAt sql.NullTime
		var kind string
		if err := rows.Scan(&ie.ID, &messageID, &filename, &kind, &ie.Reason, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingest error: %w", err)
		}
		ie.MessageID = messageID.String
		ie.Filename = filename.String
		ie.Kind = ErrorKind(kind)
		ie.RawText = raw.String
		ie.CreatedAt = createdAt.Time
		out = append(out, ie)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
