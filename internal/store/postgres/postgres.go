// Package postgres implements the payments store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS bill_of_lading (
	id BIGSERIAL PRIMARY KEY,
	bl_number TEXT NOT NULL UNIQUE,
	ctn_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
	service_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'Pending',
	receipt_url TEXT,
	receipt_uploaded_at TIMESTAMPTZ,
	reserve_status TEXT,
	payment_method TEXT,
	invoice_url TEXT,
	ctn_number TEXT
);

CREATE TABLE IF NOT EXISTS customer_emails (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT UNIQUE,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT,
	attachment_urls TEXT[] NOT NULL DEFAULT '{}',
	bl_numbers TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_for_payments BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_ce_sender_subject ON customer_emails(sender, subject);

ALTER TABLE customer_emails ADD COLUMN IF NOT EXISTS payment_reference TEXT;

CREATE TABLE IF NOT EXISTS customer_email_replies (
	id BIGSERIAL PRIMARY KEY,
	customer_email_id BIGINT NOT NULL REFERENCES customer_emails(id),
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_draft BOOLEAN NOT NULL DEFAULT true,
	confidence_score DOUBLE PRECISION,
	confidence_reasoning JSONB,
	auto_send_recommended BOOLEAN NOT NULL DEFAULT false,
	auto_sent BOOLEAN NOT NULL DEFAULT false,
	auto_sent_at TIMESTAMPTZ,
	sent_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS email_ingest_errors (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT,
	filename TEXT,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	raw_text TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens a pool, pings it and makes sure the schema exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnIdleTime = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("PostgreSQL connection established",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("db", poolCfg.ConnConfig.Database),
	)
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const billColumns = `id, bl_number, ctn_fee::text, service_fee::text, status,
	COALESCE(receipt_url, ''), receipt_uploaded_at, COALESCE(reserve_status, ''),
	COALESCE(payment_method, ''), COALESCE(invoice_url, ''), COALESCE(ctn_number, '')`

func (s *Store) FindBill(ctx context.Context, blNumber string) (*store.Bill, error) {
	var b store.Bill
	var ctnFee, serviceFee string
	var uploadedAt *time.Time

	err := s.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM bill_of_lading WHERE bl_number = $1`, blNumber).
		Scan(&b.ID, &b.BLNumber, &ctnFee, &serviceFee, &b.Status, &b.ReceiptURL, &uploadedAt,
			&b.ReserveStatus, &b.PaymentMethod, &b.InvoiceURL, &b.CTNNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bill: %w", err)
	}

	if b.CTNFee, err = decimal.NewFromString(ctnFee); err != nil {
		return nil, fmt.Errorf("bill %s: ctn_fee: %w", blNumber, err)
	}
	if b.ServiceFee, err = decimal.NewFromString(serviceFee); err != nil {
		return nil, fmt.Errorf("bill %s: service_fee: %w", blNumber, err)
	}
	if uploadedAt != nil {
		b.ReceiptUploadedAt = *uploadedAt
	}
	return &b, nil
}

func (s *Store) AddBill(ctx context.Context, b *store.Bill) error {
	if b.Status == "" {
		b.Status = store.StatusPending
	}
	err := s.pool.QueryRow(ctx, `
	INSERT INTO bill_of_lading (bl_number, ctn_fee, service_fee, status, reserve_status, payment_method, invoice_url, ctn_number)
	VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7, $8)
	ON CONFLICT (bl_number) DO UPDATE SET
		ctn_fee = EXCLUDED.ctn_fee,
		service_fee = EXCLUDED.service_fee,
		invoice_url = EXCLUDED.invoice_url,
		ctn_number = EXCLUDED.ctn_number
	RETURNING id`,
		b.BLNumber, b.CTNFee.StringFixed(2), b.ServiceFee.StringFixed(2), b.Status,
		b.ReserveStatus, b.PaymentMethod, b.InvoiceURL, b.CTNNumber).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (s *Store) UpdateBillReceipt(ctx context.Context, id int64, url string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
	UPDATE bill_of_lading
	SET receipt_url = $1, status = $2, receipt_uploaded_at = $3
	WHERE id = $4 AND status NOT IN ($2, $5)`,
		url, store.StatusAwaitingBankIn, at, id, store.StatusPaid)
	if err != nil {
		return false, fmt.Errorf("failed to update bill: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertEmailIfNew(ctx context.Context, e *store.InboundEmail) (int64, bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
	INSERT INTO customer_emails (message_id, sender, subject, body, attachment_urls, bl_numbers, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (message_id) DO NOTHING
	RETURNING id`,
		nullable(e.MessageID), e.Sender, e.Subject, e.Body, nonNil(e.AttachmentURLs), nonNil(e.BLNumbers), e.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert email: %w", err)
	}
	e.ID = id
	return id, true, nil
}

func (s *Store) SetEmailBLs(ctx context.Context, id int64, bls []string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE customer_emails SET bl_numbers = $1 WHERE id = $2`, nonNil(bls), id); err != nil {
		return fmt.Errorf("failed to update email bl numbers: %w", err)
	}
	return nil
}

func (s *Store) SetEmailAttachments(ctx context.Context, id int64, urls []string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE customer_emails SET attachment_urls = $1 WHERE id = $2`, nonNil(urls), id); err != nil {
		return fmt.Errorf("failed to update email attachments: %w", err)
	}
	return nil
}

func (s *Store) SetEmailReference(ctx context.Context, id int64, ref string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE customer_emails SET payment_reference = $1 WHERE id = $2`, ref, id); err != nil {
		return fmt.Errorf("failed to update email payment reference: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customer_emails SET processed_for_payments = true WHERE id = $1 AND NOT processed_for_payments`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark email processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetEmail(ctx context.Context, id int64) (*store.InboundEmail, error) {
	var e store.InboundEmail
	var messageID *string
	err := s.pool.QueryRow(ctx, `
	SELECT id, message_id, sender, subject, COALESCE(body, ''), attachment_urls, bl_numbers,
		COALESCE(payment_reference, ''), created_at, processed_for_payments
	FROM customer_emails WHERE id = $1`, id).
		Scan(&e.ID, &messageID, &e.Sender, &e.Subject, &e.Body, &e.AttachmentURLs, &e.BLNumbers,
			&e.PaymentReference, &e.CreatedAt, &e.ProcessedForPayments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email: %w", err)
	}
	if messageID != nil {
		e.MessageID = *messageID
	}
	return &e, nil
}

func (s *Store) FindOrCreateEmail(ctx context.Context, sender, subject string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM customer_emails WHERE sender = $1 AND subject = $2 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sender, subject).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up email: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO customer_emails (sender, subject, body) VALUES ($1, $2, '') RETURNING id`,
		sender, subject).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create email: %w", err)
	}
	return id, nil
}

func (s *Store) InsertDraft(ctx context.Context, d *store.DraftReply) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	var reasoning any
	if d.ConfidenceReasoning != "" {
		reasoning = d.ConfidenceReasoning
	}
	err := s.pool.QueryRow(ctx, `
	INSERT INTO customer_email_replies (customer_email_id, sender, body, created_at, is_draft,
		confidence_score, confidence_reasoning, auto_send_recommended)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	RETURNING id`,
		d.CustomerEmailID, d.Sender, d.Body, d.CreatedAt, d.IsDraft,
		d.ConfidenceScore, reasoning, d.AutoSendRecommended).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to insert draft: %w", err)
	}
	return nil
}

func (s *Store) ClaimDraft(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customer_email_replies SET sent_at = $1 WHERE id = $2 AND sent_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseDraft(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE customer_email_replies SET sent_at = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to release draft: %w", err)
	}
	return nil
}

func (s *Store) MarkDraftSent(ctx context.Context, id int64, auto bool, at time.Time) error {
	query := `UPDATE customer_email_replies SET is_draft = false, sent_at = $1 WHERE id = $2`
	if auto {
		query = `UPDATE customer_email_replies SET is_draft = false, sent_at = $1, auto_sent = true, auto_sent_at = $1 WHERE id = $2`
	}
	if _, err := s.pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark draft sent: %w", err)
	}
	return nil
}

const draftColumns = `r.id, r.customer_email_id, r.sender, r.body, r.created_at, r.is_draft,
	COALESCE(r.confidence_score, 0), COALESCE(r.confidence_reasoning::text, ''), r.auto_send_recommended,
	r.auto_sent, r.auto_sent_at, r.sent_at, e.sender, e.subject`

func scanDraft(row pgx.Row) (*store.DraftReply, error) {
	var d store.DraftReply
	var autoSentAt, sentAt *time.Time
	err := row.Scan(&d.ID, &d.CustomerEmailID, &d.Sender, &d.Body, &d.CreatedAt, &d.IsDraft,
		&d.ConfidenceScore, &d.ConfidenceReasoning, &d.AutoSendRecommended, &d.AutoSent,
		&autoSentAt, &sentAt, &d.Recipient, &d.Subject)
	if err != nil {
		return nil, err
	}
	if autoSentAt != nil {
		d.AutoSentAt = *autoSentAt
	}
	if sentAt != nil {
		d.SentAt = *sentAt
	}
	return &d, nil
}

func (s *Store) GetDraft(ctx context.Context, id int64) (*store.DraftReply, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx, `SELECT `+draftColumns+`
	FROM customer_email_replies r JOIN customer_emails e ON e.id = r.customer_email_id
	WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query draft: %w", err)
	}
	return d, nil
}

func (s *Store) ListDrafts(ctx context.Context, pendingOnly bool, limit int) ([]store.DraftReply, error) {
	query := `SELECT ` + draftColumns + `
	FROM customer_email_replies r JOIN customer_emails e ON e.id = r.customer_email_id`
	if pendingOnly {
		query += ` WHERE r.sent_at IS NULL`
	}
	query += ` ORDER BY r.created_at DESC, r.id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []store.DraftReply
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

func (s *Store) RecordIngestError(ctx context.Context, ie *store.IngestError) error {
	if ie.CreatedAt.IsZero() {
		ie.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
	INSERT INTO email_ingest_errors (message_id, filename, kind, reason, raw_text, created_at)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		nullable(ie.MessageID), nullable(ie.Filename), string(ie.Kind), ie.Reason, ie.RawText, ie.CreatedAt).Scan(&ie.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ingest error: %w", err)
	}
	return nil
}

func (s *Store) ListIngestErrors(ctx context.Context, limit int) ([]store.IngestError, error) {
	rows, err := s.pool.Query(ctx, `
	SELECT id, COALESCE(message_id, ''), COALESCE(filename, ''), kind, reason, COALESCE(raw_text, ''), created_at
	FROM email_ingest_errors ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingest errors: %w", err)
	}
	defer rows.Close()

	var out []store.IngestError
	for rows.Next() {
		var ie store.IngestError
		var kind string
		if err := rows.Scan(&ie.ID, &ie.MessageID, &ie.Filename, &kind, &ie.Reason, &ie.RawText, &ie.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingest error: %w", err)
		}
		ie.Kind = store.ErrorKind(kind)
		out = append(out, ie)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
