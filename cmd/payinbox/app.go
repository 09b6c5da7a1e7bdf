package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/billing"
	"github.com/iqstrade/payinbox/internal/blob"
	"github.com/iqstrade/payinbox/internal/canned"
	"github.com/iqstrade/payinbox/internal/confidence"
	"github.com/iqstrade/payinbox/internal/config"
	"github.com/iqstrade/payinbox/internal/dispatch"
	"github.com/iqstrade/payinbox/internal/email"
	"github.com/iqstrade/payinbox/internal/extract"
	"github.com/iqstrade/payinbox/internal/inbox"
	"github.com/iqstrade/payinbox/internal/lease"
	"github.com/iqstrade/payinbox/internal/llm"
	"github.com/iqstrade/payinbox/internal/ocr"
	"github.com/iqstrade/payinbox/internal/pipeline"
	"github.com/iqstrade/payinbox/internal/receipt"
	"github.com/iqstrade/payinbox/internal/reconcile"
	"github.com/iqstrade/payinbox/internal/respond"
	"github.com/iqstrade/payinbox/internal/store"
	"github.com/iqstrade/payinbox/internal/store/postgres"
	"github.com/iqstrade/payinbox/internal/web"
)

// Store is every persistence operation the commands use. Both the SQLite
// and the PostgreSQL stores satisfy it.
type Store interface {
	pipeline.Store
	reconcile.Store
	dispatch.Store
	web.Store
	billing.Adder
	Close() error
}

// app holds the wired components. closers run in reverse order.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      Store
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, logger.Named("postgres"))
	default:
		if err := os.MkdirAll(config.DefaultDataDir(), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return store.NewSQLite(cfg.Database.Path)
	}
}

// newStoreApp opens only the store, for the read-only and admin commands.
func newStoreApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: s}
	a.closers = append(a.closers, func() { s.Close() })
	return a, nil
}

// newSendApp adds the dispatcher, for commands that deliver stored drafts.
func newSendApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.ValidateEmail(); err != nil {
		return nil, err
	}
	a, err := newStoreApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sender, err := email.NewSender(cfg.Email, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = dispatch.New(a.store, sender, dispatch.Config{
		From:        cfg.Email.From,
		DBTimeout:   cfg.Timeouts.DB,
		SendTimeout: cfg.Timeouts.SMTP,
	}, logger)
	return a, nil
}

// newPipelineApp wires the full batch pipeline.
func newPipelineApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateInbox(); err != nil {
		return nil, err
	}
	tolerance, err := decimal.NewFromString(cfg.Pipeline.Tolerance)
	if err != nil || tolerance.IsNegative() {
		return nil, fmt.Errorf("pipeline: invalid tolerance %q", cfg.Pipeline.Tolerance)
	}

	a, err := newSendApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	uploader, err := newUploader(cfg, logger)
	if err != nil {
		return nil, err
	}

	vision, err := newOCR(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if c, isCloser := vision.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, func() { c.Close() })
	}
	extractor := extract.New(vision, float64(cfg.OCR.DPI), cfg.Timeouts.OCR, logger.Named("extract"))

	renderer := receipt.NewRenderer(receipt.RendererConfig{
		ChromePath: cfg.Pipeline.ChromePath,
		OutputDir:  cfg.Pipeline.AttachmentDir,
		Timeout:    cfg.Timeouts.Render,
	}, logger.Named("receipt"))
	a.closers = append(a.closers, renderer.Close)

	engine := reconcile.New(a.store, uploader, renderer, reconcile.Config{
		Tolerance: tolerance,
		Folder:    cfg.Blob.Folder,
		Mailbox:   cfg.Inbox.Email,
		DBTimeout: cfg.Timeouts.DB,
	}, logger.Named("reconcile"))

	lib, err := canned.Load(cfg.Pipeline.CannedResponses)
	if err != nil {
		return nil, err
	}
	model := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.Timeouts.LLM,
	}, logger.Named("llm"))
	responder := respond.New(model, lib, respond.Config{Signature: cfg.Pipeline.Signature}, logger.Named("respond"))

	locker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if c, isCloser := locker.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, func() { c.Close() })
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Mailbox:    inbox.NewMonitor(cfg.Inbox, cfg.Pipeline.AttachmentDir, cfg.Timeouts.IMAP, logger),
		Store:      a.store,
		Extractor:  extractor,
		Uploader:   uploader,
		Reconciler: engine,
		Responder:  responder,
		Scorer:     confidence.NewScorer(cfg.Pipeline.AutoSendScore, logger),
		Dispatcher: a.dispatcher,
		Locker:     locker,
	}, pipelineConfig(cfg), logger)

	ok = true
	return a, nil
}

// pipelineConfig uploads attachments to the same blob folder as receipts.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Folder:      cfg.Blob.Folder,
		DBTimeout:   cfg.Timeouts.DB,
		BlobTimeout: cfg.Timeouts.Blob,
	}
}

func newUploader(cfg *config.Config, logger *zap.Logger) (pipeline.Uploader, error) {
	if cfg.Blob.CloudinaryURL != "" {
		return blob.NewCloudinary(cfg.Blob.CloudinaryURL, cfg.Timeouts.Blob, logger.Named("blob"))
	}
	logger.Warn("No cloudinary_url configured, keeping receipts on local disk", zap.String("dir", cfg.Blob.LocalDir))
	return blob.NewLocal(cfg.Blob.LocalDir)
}

func newOCR(ctx context.Context, cfg *config.Config, logger *zap.Logger) (extract.OCR, error) {
	if cfg.OCR.Provider == "gemini" {
		return ocr.NewGeminiVision(ctx, cfg.OCR.APIKey, cfg.OCR.Model, logger.Named("ocr"))
	}
	key := cfg.OCR.APIKey
	if key == "" {
		key = cfg.LLM.APIKey
	}
	return ocr.NewOpenAIVision(key, cfg.LLM.BaseURL, cfg.OCR.Model, logger.Named("ocr")), nil
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lease.Locker, error) {
	if cfg.Redis.URL == "" {
		return lease.NewLocal(), nil
	}
	return lease.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL, logger.Named("lease"))
}
