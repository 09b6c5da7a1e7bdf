// Package receipt synthesizes a PDF payment receipt from an email body when
// the customer did not attach one.
package receipt

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/metrics"
)

const header = "=== RECEIPT FROM EMAIL BODY ==="

//go:embed templates/receipt.html
var templates embed.FS

var receiptTmpl = template.Must(template.ParseFS(templates, "templates/receipt.html"))

// Receipt is the content of a synthesized receipt.
type Receipt struct {
	Body       string
	Mailbox    string
	ReceivedAt time.Time
}

// Footer is the provenance line printed under the body.
func (r Receipt) Footer() string {
	return fmt.Sprintf("[Received via email: %s] [Date: %s]", r.Mailbox, r.ReceivedAt.Format("2006-01-02 15:04"))
}

// Text is the plain-text rendition: header, body lines, footer.
func (r Receipt) Text() string {
	lines := append([]string{header}, splitLines(r.Body)...)
	lines = append(lines, r.Footer())
	return strings.Join(lines, "\n")
}

// HTML renders the page that is printed to PDF.
func (r Receipt) HTML() (string, error) {
	var buf bytes.Buffer
	err := receiptTmpl.Execute(&buf, struct {
		Header string
		Lines  []string
		Footer string
	}{header, splitLines(r.Body), r.Footer()})
	if err != nil {
		return "", fmt.Errorf("failed to render receipt: %w", err)
	}
	return buf.String(), nil
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

// RendererConfig holds headless Chrome settings.
type RendererConfig struct {
	ChromePath string
	OutputDir  string
	Timeout    time.Duration
}

// Renderer prints receipts to PDF with headless Chrome.
type Renderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	config      RendererConfig
	logger      *zap.Logger
}

// NewRenderer prepares a Chrome allocator. Chrome itself is started on the
// first render.
func NewRenderer(cfg RendererConfig, logger *zap.Logger) *Renderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Renderer{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		config:      cfg,
		logger:      logger,
	}
}

// Close shuts down Chrome.
func (r *Renderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}

// RenderPDF writes the receipt as a PDF into the output directory and
// returns its path. The caller owns the file.
func (r *Renderer) RenderPDF(ctx context.Context, rec Receipt) (string, error) {
	html, err := rec.HTML()
	if err != nil {
		return "", err
	}

	tabCtx, cancelTab := chromedp.NewContext(r.allocCtx)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.config.Timeout)
	defer cancel()
	// Stop early if the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			pdf = buf
			return err
		}),
	)
	metrics.ObserveCall("render", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to print receipt: %w", err)
	}

	if err := os.MkdirAll(r.config.OutputDir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(r.config.OutputDir, "receipt_"+uuid.NewString()+".pdf")
	if err := os.WriteFile(path, pdf, 0600); err != nil {
		return "", fmt.Errorf("failed to write receipt: %w", err)
	}

	r.logger.Debug("Rendered receipt PDF", zap.String("path", path), zap.Int("bytes", len(pdf)))
	return path, nil
}
