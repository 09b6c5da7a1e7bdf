package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iqstrade/payinbox/internal/billing"
	"github.com/iqstrade/payinbox/internal/config"
	"github.com/iqstrade/payinbox/internal/dispatch"
	"github.com/iqstrade/payinbox/internal/logging"
	"github.com/iqstrade/payinbox/internal/pipeline"
	"github.com/iqstrade/payinbox/internal/web"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "payinbox",
		Short: "Payinbox - payment mailbox reconciliation",
		Long: `Payinbox reads the payments mailbox, matches remittance emails against
open bills of lading and drafts (or sends) the reply.

Low-confidence replies are kept as drafts for staff to review.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.payinbox/config.yaml)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(draftsCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(billsCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the mailbox on a schedule",
		Long: `Connect to the payments mailbox every pipeline.interval, process each unread
email and store or send the reply. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(serve)
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "Also serve the review API on server.addr")

	return cmd
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Process unread mail once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce()
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the review API",
		Long:  "Serve the draft review API, ingest errors and metrics without polling the mailbox.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func draftsCmd() *cobra.Command {
	var limit int
	var all bool

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List replies waiting for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrafts(!all, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of replies to show")
	cmd.Flags().BoolVar(&all, "all", false, "Include replies that were already sent")

	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <draft-id>",
		Short: "Send a stored draft reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid draft id %q", args[0])
			}
			return runSend(id)
		},
	}
}

func errorsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List emails that need staff attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErrors(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")

	return cmd
}

func billsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bills",
		Short: "Manage bill-of-lading records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file-or-dir>",
		Short: "Upsert bills from a YAML file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBillsImport(args[0])
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func runScheduler(serve bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	a, err := newPipelineApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.NewScheduler(a.pipeline, cfg.Pipeline.Interval, logger).Start(gctx)
	})
	if serve {
		server := web.NewServer(cfg.Server.Addr, a.store, a.dispatcher, a.pipeline, logger)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func runOnce() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	a, err := newPipelineApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.pipeline.RunBatch(ctx)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	fmt.Println("📬 Batch complete")
	fmt.Printf("  Fetched:    %d\n", stats.Fetched)
	fmt.Printf("  Processed:  %d\n", stats.Processed)
	fmt.Printf("  Duplicates: %d\n", stats.Duplicates)
	fmt.Printf("  Auto-sent:  %d\n", stats.AutoSent)
	fmt.Printf("  Drafts:     %d\n", stats.Drafts)
	if stats.Failed > 0 {
		fmt.Printf("  Failed:     %d (see logs)\n", stats.Failed)
	}
	return nil
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	a, err := newSendApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := web.NewServer(cfg.Server.Addr, a.store, a.dispatcher, nil, logger)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	return server.Start()
}

func runDrafts(pendingOnly bool, limit int) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := newStoreApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	drafts, err := a.store.ListDrafts(ctx, pendingOnly, limit)
	if err != nil {
		return fmt.Errorf("failed to list drafts: %w", err)
	}
	if len(drafts) == 0 {
		fmt.Println("No replies waiting for review.")
		return nil
	}

	fmt.Printf("📝 Replies (%d)\n", len(drafts))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, d := range drafts {
		status := "draft"
		switch {
		case d.AutoSent:
			status = "auto-sent"
		case !d.SentAt.IsZero():
			status = "sent"
		case d.AutoSendRecommended:
			status = "send failed"
		}
		fmt.Printf("#%d  %s  %-11s  %.2f  %s\n",
			d.ID, d.CreatedAt.Format("2006-01-02 15:04"), status, d.ConfidenceScore, d.Recipient)
		fmt.Printf("     %s\n", truncateString(d.Subject, 70))
	}
	return nil
}

func runSend(id int64) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	a, err := newSendApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.dispatcher.SendDraft(ctx, id)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return fmt.Errorf("draft #%d not found", id)
	case errors.Is(err, dispatch.ErrAlreadySent):
		return fmt.Errorf("draft #%d was already sent at %s", id, d.SentAt.Format(time.RFC3339))
	case err != nil:
		return err
	}
	fmt.Printf("✅ Sent draft #%d to %s\n", d.ID, d.Recipient)
	return nil
}

func runErrors(limit int) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := newStoreApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.store.ListIngestErrors(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list ingest errors: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("Nothing needs attention.")
		return nil
	}

	fmt.Printf("⚠️  Needs attention (%d)\n", len(rows))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, r := range rows {
		fmt.Printf("%s  %-28s  %s\n", r.CreatedAt.Format("2006-01-02 15:04"), r.Kind, r.MessageID)
		if r.Filename != "" {
			fmt.Printf("   File: %s\n", r.Filename)
		}
		fmt.Printf("   %s\n", truncateString(r.Reason, 120))
	}
	return nil
}

func runBillsImport(path string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := billing.Load(path)
	if err != nil {
		return err
	}
	bills, err := f.Bills()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newStoreApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := billing.Import(ctx, a.store, bills)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Imported %d bills\n", n)
	return nil
}

func runMigrate() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Opening a store creates any missing tables.
	a, err := newStoreApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	a.Close()
	fmt.Printf("✅ Schema is up to date (%s)\n", cfg.Database.Driver)
	return nil
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
