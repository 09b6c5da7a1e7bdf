// Package dispatch stores generated replies and delivers the ones that
// clear the confidence threshold.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/confidence"
	"github.com/iqstrade/payinbox/internal/email"
	"github.com/iqstrade/payinbox/internal/metrics"
	"github.com/iqstrade/payinbox/internal/store"
)

var (
	ErrNotFound    = errors.New("draft not found")
	ErrAlreadySent = errors.New("draft already sent")
	ErrSendFailed  = errors.New("send failed")
)

type Store interface {
	FindOrCreateEmail(ctx context.Context, sender, subject string) (int64, error)
	InsertDraft(ctx context.Context, d *store.DraftReply) error
	GetDraft(ctx context.Context, id int64) (*store.DraftReply, error)
	ClaimDraft(ctx context.Context, id int64, at time.Time) (bool, error)
	ReleaseDraft(ctx context.Context, id int64) error
	MarkDraftSent(ctx context.Context, id int64, auto bool, at time.Time) error
}

// Config holds the sender address and the per-call timeouts. DBTimeout
// defaults to ten seconds and SendTimeout to thirty.
type Config struct {
	From        string
	DBTimeout   time.Duration
	SendTimeout time.Duration
}

// Reply is a finished answer to one customer email. EmailID may be zero, in
// which case the email row is found or created from Recipient and Subject.
type Reply struct {
	EmailID   int64
	Recipient string
	Subject   string
	Body      string
}

type Dispatcher struct {
	store  Store
	sender email.Sender
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Dispatcher that stores drafts in s and delivers through
// sender.
func New(s Store, sender email.Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:  s,
		sender: sender,
		cfg:    cfg,
		logger: logger.Named("dispatch"),
		now:    time.Now,
	}
}

// PersistAndMaybeSend stores reply as a draft and, when conf recommends it,
// sends it straight away. The draft row is written before any delivery is
// attempted; a failed send returns the stored draft together with an error
// wrapping ErrSendFailed.
func (d *Dispatcher) PersistAndMaybeSend(ctx context.Context, reply Reply, conf confidence.Result) (*store.DraftReply, error) {
	emailID := reply.EmailID
	if emailID == 0 {
		dbCtx, cancel := context.WithTimeout(ctx, d.cfg.DBTimeout)
		id, err := d.store.FindOrCreateEmail(dbCtx, reply.Recipient, reply.Subject)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve email row: %w", err)
		}
		emailID = id
	}

	draft := &store.DraftReply{
		CustomerEmailID:     emailID,
		Sender:              store.AuthorAssistant,
		Body:                reply.Body,
		IsDraft:             !conf.AutoSend,
		ConfidenceScore:     conf.Score,
		ConfidenceReasoning: conf.Reasoning.JSON(),
		AutoSendRecommended: conf.AutoSend,
		Recipient:           reply.Recipient,
		Subject:             reply.Subject,
	}
	dbCtx, cancel := context.WithTimeout(ctx, d.cfg.DBTimeout)
	err := d.store.InsertDraft(dbCtx, draft)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to store draft: %w", err)
	}

	log := d.logger.With(zap.Int64("draft_id", draft.ID), zap.Int64("email_id", emailID))
	if !conf.AutoSend {
		metrics.IncDraft("draft")
		log.Info("reply held for review", zap.Float64("score", conf.Score))
		return draft, nil
	}

	if err := d.deliver(ctx, draft, true); err != nil {
		metrics.IncDraft("send_failed")
		log.Warn("auto-send failed, draft kept", zap.Error(err))
		return draft, err
	}
	metrics.IncDraft("auto_sent")
	log.Info("reply auto-sent", zap.Float64("score", conf.Score))
	return draft, nil
}

// SendDraft delivers a stored reply on behalf of staff. Concurrent calls for
// the same draft deliver it once; the losers get ErrAlreadySent.
func (d *Dispatcher) SendDraft(ctx context.Context, id int64) (*store.DraftReply, error) {
	dbCtx, cancel := context.WithTimeout(ctx, d.cfg.DBTimeout)
	draft, err := d.store.GetDraft(dbCtx, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	if draft == nil {
		return nil, ErrNotFound
	}
	if !draft.SentAt.IsZero() {
		return draft, ErrAlreadySent
	}

	if err := d.deliver(ctx, draft, false); err != nil {
		metrics.IncDraft("send_failed")
		return draft, err
	}
	metrics.IncDraft("human_sent")
	d.logger.Info("draft sent by staff", zap.Int64("draft_id", id))
	return draft, nil
}

// deliver claims the draft, sends it and records the delivery. A failed
// send gives the claim back so the draft can be retried.
func (d *Dispatcher) deliver(ctx context.Context, draft *store.DraftReply, auto bool) error {
	at := d.now()
	dbCtx, cancel := context.WithTimeout(ctx, d.cfg.DBTimeout)
	claimed, err := d.store.ClaimDraft(dbCtx, draft.ID, at)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to claim draft: %w", err)
	}
	if !claimed {
		return ErrAlreadySent
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	res := d.sender.Send(sendCtx, email.Message{
		To:      draft.Recipient,
		From:    d.cfg.From,
		Subject: email.ReplySubject(draft.Subject),
		Body:    draft.Body,
	})
	cancel()

	// Past this point the outcome must be written even if the caller gave up.
	dbCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DBTimeout)
	defer cancel()

	if !res.Success {
		err := res.Error
		if err == nil {
			err = errors.New("provider reported failure")
		}
		if relErr := d.store.ReleaseDraft(dbCtx, draft.ID); relErr != nil {
			d.logger.Error("failed to release draft after send failure",
				zap.Int64("draft_id", draft.ID), zap.Error(relErr))
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := d.store.MarkDraftSent(dbCtx, draft.ID, auto, at); err != nil {
		return fmt.Errorf("sent but failed to record delivery: %w", err)
	}

	draft.IsDraft = false
	draft.SentAt = at
	if auto {
		draft.AutoSent = true
		draft.AutoSentAt = at
	}
	return nil
}
