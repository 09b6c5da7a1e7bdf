// Package pipeline runs the mailbox batch: fetch, extract, classify,
// reconcile, reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/confidence"
	"github.com/iqstrade/payinbox/internal/dispatch"
	"github.com/iqstrade/payinbox/internal/fields"
	"github.com/iqstrade/payinbox/internal/inbox"
	"github.com/iqstrade/payinbox/internal/lease"
	"github.com/iqstrade/payinbox/internal/metrics"
	"github.com/iqstrade/payinbox/internal/reconcile"
	"github.com/iqstrade/payinbox/internal/respond"
	"github.com/iqstrade/payinbox/internal/store"
)

// Mailbox is the IMAP connection a batch reads from.
type Mailbox interface {
	Connect(ctx context.Context) error
	FetchUnread(ctx context.Context) ([]inbox.Message, error)
	Disconnect() error
}

// Store is the slice of the relational store the pipeline writes to.
// InsertEmailIfNew reports false for a message id it has already seen.
type Store interface {
	InsertEmailIfNew(ctx context.Context, e *store.InboundEmail) (int64, bool, error)
	SetEmailBLs(ctx context.Context, id int64, bls []string) error
	SetEmailAttachments(ctx context.Context, id int64, urls []string) error
	SetEmailReference(ctx context.Context, id int64, ref string) error
	FindBill(ctx context.Context, blNumber string) (*store.Bill, error)
	RecordIngestError(ctx context.Context, ie *store.IngestError) error
}

// Extractor turns an attachment file into plain text.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Uploader stores a local file in blob storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, path, folder string) (string, error)
}

// Reconciler settles one email's payment claim against the bills.
type Reconciler interface {
	Reconcile(ctx context.Context, claim reconcile.Claim) (reconcile.Result, error)
}

// Responder classifies an email and writes the reply for it.
type Responder interface {
	Classify(ctx context.Context, email respond.Email) (respond.Classification, error)
	Compose(ctx context.Context, cls respond.Classification, g respond.Grounding) respond.Draft
}

// Scorer rates a reply and decides whether it may be auto-sent.
type Scorer interface {
	Score(originalEmail, reply, classification string, blNumbers []string) confidence.Result
}

// Dispatcher stores a reply and delivers it when the score allows.
type Dispatcher interface {
	PersistAndMaybeSend(ctx context.Context, reply dispatch.Reply, conf confidence.Result) (*store.DraftReply, error)
}

// Deps are the collaborators of a Pipeline. Locker may be nil.
type Deps struct {
	Mailbox    Mailbox
	Store      Store
	Extractor  Extractor
	Uploader   Uploader
	Reconciler Reconciler
	Responder  Responder
	Scorer     Scorer
	Dispatcher Dispatcher
	Locker     lease.Locker
}

// Config holds the blob folder and per-call timeouts. Zero values get
// defaults in New.
type Config struct {
	// Folder is the blob folder attachments are uploaded to.
	Folder      string
	DBTimeout   time.Duration
	BlobTimeout time.Duration
}

type Pipeline struct {
	Deps
	config Config
	logger *zap.Logger
}

// New returns a Pipeline over deps. A nil logger discards output.
func New(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 10 * time.Second
	}
	if cfg.BlobTimeout <= 0 {
		cfg.BlobTimeout = 30 * time.Second
	}
	if cfg.Folder == "" {
		cfg.Folder = "email_attachments"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Deps: deps, config: cfg, logger: logger.Named("pipeline")}
}

// Report describes what happened to one email.
type Report struct {
	MessageID string
	EmailID   int64
	Duplicate bool
	Intent    respond.Kind
	BLNumbers []string
	Outcome   reconcile.Outcome
	DraftID   int64
	Score     float64
	AutoSent  bool
}

// BatchStats summarizes a RunBatch call.
type BatchStats struct {
	Fetched    int
	Processed  int
	Duplicates int
	Failed     int
	AutoSent   int
	Drafts     int
}

// RunBatch processes every unread message once. Mailbox failures abort the
// run with an error wrapping ErrTransientIO; failures of a single email are
// logged and counted, and the batch moves on.
func (p *Pipeline) RunBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats
	start := time.Now()
	defer func() { metrics.ObserveBatch(time.Since(start)) }()

	if p.Locker != nil {
		l, err := p.Locker.Acquire(ctx)
		if err != nil {
			return stats, err
		}
		defer l.Release(context.WithoutCancel(ctx))
	}

	if err := p.Mailbox.Connect(ctx); err != nil {
		return stats, fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	defer func() {
		if err := p.Mailbox.Disconnect(); err != nil {
			p.logger.Debug("disconnect failed", zap.Error(err))
		}
	}()

	msgs, err := p.Mailbox.FetchUnread(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	stats.Fetched = len(msgs)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			for _, rest := range msgs[i:] {
				rest.Cleanup()
			}
			return stats, ctx.Err()
		}

		rep, err := p.processIsolated(ctx, msg)
		switch {
		case err != nil:
			stats.Failed++
			metrics.IncEmail("failed")
			p.logger.Error("email failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		case rep.Duplicate:
			stats.Duplicates++
		default:
			stats.Processed++
			if rep.AutoSent {
				stats.AutoSent++
			} else {
				stats.Drafts++
			}
		}
	}

	p.logger.Info("batch complete",
		zap.Int("fetched", stats.Fetched),
		zap.Int("processed", stats.Processed),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("failed", stats.Failed),
		zap.Int("auto_sent", stats.AutoSent),
		zap.Duration("took", time.Since(start)))
	return stats, nil
}

func (p *Pipeline) processIsolated(ctx context.Context, msg inbox.Message) (rep Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing email",
				zap.String("message_id", msg.MessageID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			msg.Cleanup()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.ProcessEmail(ctx, msg)
}

// ProcessEmail runs one message through the whole pipeline. The message's
// attachment directory is removed on every return path.
func (p *Pipeline) ProcessEmail(ctx context.Context, msg inbox.Message) (Report, error) {
	defer msg.Cleanup()

	rep := Report{MessageID: msg.MessageID}
	log := p.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("sender", msg.From),
		zap.String("subject", msg.Subject))

	dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
	emailID, inserted, err := p.Store.InsertEmailIfNew(dbCtx, &store.InboundEmail{
		MessageID: msg.MessageID,
		Sender:    msg.From,
		Subject:   msg.Subject,
		Body:      msg.Body,
		CreatedAt: msg.ReceivedAt,
	})
	cancel()
	if err != nil {
		return rep, fmt.Errorf("%w: failed to insert email: %w", ErrTransientIO, err)
	}
	if !inserted {
		rep.Duplicate = true
		metrics.IncEmail("duplicate")
		log.Info("skipping message", zap.Error(ErrDuplicateMessage))
		return rep, nil
	}
	rep.EmailID = emailID

	for _, prob := range msg.Problems {
		p.record(ctx, log, msg.MessageID, prob.Filename, store.KindExtractionAmbiguity,
			"part dropped while parsing: "+prob.Reason, "")
	}

	atts, texts := p.ingestAttachments(ctx, log, emailID, msg)

	if strings.TrimSpace(msg.Body) == "" && allBlank(texts) {
		p.record(ctx, log, msg.MessageID, "", store.KindExtractionAmbiguity,
			ErrExtractionAmbiguity.Error(), msg.Subject)
	}

	cls, classifyErr := p.Responder.Classify(ctx, respond.Email{
		Subject:         msg.Subject,
		Body:            msg.Body,
		AttachmentCount: len(msg.Attachments),
		AttachmentTexts: texts,
	})
	if classifyErr != nil {
		p.record(ctx, log, msg.MessageID, "", store.KindTransientIO, classifyErr.Error(), msg.Body)
	}
	if cls.ParseErr != nil {
		p.record(ctx, log, msg.MessageID, "", store.KindClassificationParse,
			fmt.Sprintf("%s: %v", ErrClassificationParse, cls.ParseErr), cls.Raw)
	}
	kind := cls.Intent.Kind()
	rep.Intent = kind

	bls, err := p.mergeBLs(ctx, cls, texts)
	if err != nil {
		p.record(ctx, log, msg.MessageID, "", store.KindTransientIO, "BL lookup failed: "+err.Error(), "")
		bls = nil
	}
	rep.BLNumbers = bls
	if len(bls) > 0 {
		dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
		if err := p.Store.SetEmailBLs(dbCtx, emailID, bls); err != nil {
			log.Warn("failed to store BL numbers", zap.Error(err))
		}
		cancel()
	}

	claim := reconcile.Claim{
		EmailID:     emailID,
		BLNumbers:   bls,
		Body:        msg.Body,
		Attachments: atts,
		ReceivedAt:  msg.ReceivedAt,
	}
	payment := paymentData(cls, texts)
	if payment.ReferenceNumber != "" {
		dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
		if err := p.Store.SetEmailReference(dbCtx, emailID, payment.ReferenceNumber); err != nil {
			log.Warn("failed to store payment reference", zap.Error(err))
		}
		cancel()
	}
	if respond.MayMutateBills(cls.Intent) {
		claim.PaidAmount = payment.Amount
	}

	res, reconcileErr := p.Reconciler.Reconcile(ctx, claim)
	if reconcileErr != nil {
		kind := store.KindTransientIO
		if errors.Is(reconcileErr, reconcile.ErrNoReceipt) {
			kind = store.KindExtractionAmbiguity
		}
		p.record(ctx, log, msg.MessageID, "", kind, "reconciliation failed: "+reconcileErr.Error(), "")
	}
	rep.Outcome = res.Outcome
	p.recordOutcome(ctx, log, msg.MessageID, kind, cls.Intent, res)

	draft := p.Responder.Compose(ctx, cls, respond.Grounding{
		BLNumbers:      bls,
		Bills:          res.Bills,
		Missing:        res.Missing,
		PaidAmount:     res.Paid,
		OriginalBody:   msg.Body,
		HasAttachments: len(msg.Attachments) > 0,
	})

	original := "Subject: " + msg.Subject + "\n\n" + cls.WorkingBody
	conf := p.Scorer.Score(original, draft.Body, string(kind), bls)
	if classifyErr != nil || cls.ParseErr != nil {
		conf = conf.Hold("CLASSIFICATION FAILED - Manual review required")
	}
	if reconcileErr != nil {
		conf = conf.Hold("RECONCILIATION FAILED - Manual review required")
	}
	rep.Score = conf.Score

	stored, err := p.Dispatcher.PersistAndMaybeSend(ctx, dispatch.Reply{
		EmailID:   emailID,
		Recipient: msg.From,
		Subject:   msg.Subject,
		Body:      draft.Body,
	}, conf)
	if err != nil && !errors.Is(err, dispatch.ErrSendFailed) {
		p.record(ctx, log, msg.MessageID, "", store.KindTransientIO, "failed to store reply: "+err.Error(), draft.Body)
		return rep, fmt.Errorf("failed to store reply: %w", err)
	}
	if err != nil {
		p.record(ctx, log, msg.MessageID, "", store.KindTransientIO, "auto-send failed, draft kept: "+err.Error(), "")
	}
	rep.DraftID = stored.ID
	rep.AutoSent = stored.AutoSent

	metrics.IncEmail("processed")
	log.Info("email processed",
		zap.Int64("email_id", emailID),
		zap.String("intent", string(kind)),
		zap.Strings("bl_numbers", bls),
		zap.String("outcome", string(res.Outcome)),
		zap.Float64("confidence", conf.Score),
		zap.Bool("auto_sent", rep.AutoSent))
	return rep, nil
}

// ingestAttachments uploads each attachment and extracts its text. Upload
// and extraction failures are recorded and never stop the email.
func (p *Pipeline) ingestAttachments(ctx context.Context, log *zap.Logger, emailID int64, msg inbox.Message) ([]reconcile.Attachment, []string) {
	var atts []reconcile.Attachment
	var texts []string
	var urls []string

	for _, a := range msg.Attachments {
		att := reconcile.Attachment{Path: a.Path}

		upCtx, cancel := context.WithTimeout(ctx, p.config.BlobTimeout)
		url, err := p.Uploader.Upload(upCtx, a.Path, p.config.Folder)
		cancel()
		if err != nil {
			p.record(ctx, log, msg.MessageID, a.Filename, store.KindTransientIO, "upload failed: "+err.Error(), "")
		} else {
			att.URL = url
			urls = append(urls, url)
		}
		atts = append(atts, att)

		text, err := p.Extractor.ExtractText(ctx, a.Path)
		if err != nil {
			p.record(ctx, log, msg.MessageID, a.Filename, store.KindExtractionAmbiguity, err.Error(), text)
		}
		texts = append(texts, text)
		log.Debug("attachment ingested",
			zap.String("filename", a.Filename),
			zap.Int("text_len", len(text)),
			zap.Bool("uploaded", att.URL != ""))
	}

	if len(urls) > 0 {
		dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
		if err := p.Store.SetEmailAttachments(dbCtx, emailID, urls); err != nil {
			log.Warn("failed to store attachment urls", zap.Error(err))
		}
		cancel()
	}
	return atts, texts
}

// mergeBLs unions the model's BLs with those found in the body, the draft
// reply and attachment text, keeping only BLs the billing store knows.
func (p *Pipeline) mergeBLs(ctx context.Context, cls respond.Classification, texts []string) ([]string, error) {
	sources := append([]string{cls.WorkingBody, cls.Reply}, texts...)
	return fields.MergeBLs(respond.ClaimedBLs(cls.Intent), sources, func(bl string) (bool, error) {
		dbCtx, cancel := context.WithTimeout(ctx, p.config.DBTimeout)
		defer cancel()
		bill, err := p.Store.FindBill(dbCtx, bl)
		return bill != nil, err
	})
}

// paymentData collects the amount and reference for an email. The amount
// the model read wins; otherwise the body is searched before each
// attachment in order, and the first source with a value supplies it.
func paymentData(cls respond.Classification, texts []string) fields.PaymentData {
	var out fields.PaymentData
	if pr, ok := cls.Intent.(respond.PaymentReceipt); ok && pr.PaidAmount.Valid {
		out.Amount = pr.PaidAmount
	}
	for _, t := range append([]string{cls.WorkingBody}, texts...) {
		pd := fields.ExtractPaymentData(t)
		if !out.Amount.Valid {
			out.Amount = pd.Amount
		}
		if out.ReferenceNumber == "" {
			out.ReferenceNumber = pd.ReferenceNumber
		}
	}
	return out
}

func (p *Pipeline) recordOutcome(ctx context.Context, log *zap.Logger, messageID string, kind respond.Kind, intent respond.Intent, res reconcile.Result) {
	switch res.Outcome {
	case reconcile.NoValidBL:
		if kind == respond.KindPaymentReceipt {
			p.record(ctx, log, messageID, "", store.KindNoValidBL,
				"payment receipt without a BL number known to billing", strings.Join(res.Missing, ", "))
		}
	case reconcile.NoAmount:
		if respond.MayMutateBills(intent) {
			p.record(ctx, log, messageID, "", store.KindNoAmount,
				"no payment amount found for "+billList(res.Bills), "")
		}
	case reconcile.Underpaid:
		p.record(ctx, log, messageID, "", store.KindUnderpayment,
			fmt.Sprintf("%s: expected %s, paid %s for %s", ErrUnderpayment,
				res.Expected.StringFixed(2), res.Paid.Decimal.StringFixed(2), billList(res.Bills)), "")
	case reconcile.Matched:
		if res.Overpaid {
			p.record(ctx, log, messageID, "", store.KindOverpaymentReview,
				fmt.Sprintf("overpaid: expected %s, paid %s for %s",
					res.Expected.StringFixed(2), res.Paid.Decimal.StringFixed(2), billList(res.Bills)), "")
		}
	}
}

// record writes an ingest error row. A failure to write it is only logged.
func (p *Pipeline) record(ctx context.Context, log *zap.Logger, messageID, filename string, kind store.ErrorKind, reason, raw string) {
	log.Error("ingest error", zap.String("kind", string(kind)), zap.String("filename", filename), zap.String("reason", reason))
	metrics.IncIngestError(string(kind))

	if filename != "" {
		filename = filepath.Base(filename)
	}
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.DBTimeout)
	defer cancel()
	err := p.Store.RecordIngestError(dbCtx, &store.IngestError{
		MessageID: messageID,
		Filename:  filename,
		Kind:      kind,
		Reason:    reason,
		RawText:   raw,
	})
	if err != nil {
		log.Warn("failed to record ingest error", zap.Error(err))
	}
}

func billList(bills []store.Bill) string {
	bls := make([]string, 0, len(bills))
	for _, b := range bills {
		bls = append(bls, b.BLNumber)
	}
	return strings.Join(bls, ", ")
}

func allBlank(texts []string) bool {
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			return false
		}
	}
	return true
}
