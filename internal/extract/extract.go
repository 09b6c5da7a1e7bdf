// Package extract turns attachment files into plain text. Text-bearing
// PDFs are read directly; scanned PDFs and photos go through a vision OCR
// backend.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/metrics"
)

// OCR recognizes the text in one image. An image with no text yields "".
type OCR interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Error describes why extraction of a file was incomplete. The text
// returned alongside it is still the best that could be recovered.
type Error struct {
	Path  string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s: %s: %v", filepath.Base(e.Path), e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Extractor struct {
	ocr     OCR
	dpi     float64
	timeout time.Duration
	logger  *zap.Logger
}

// New returns an Extractor. ocr may be nil, in which case image content is
// reported as an *Error instead of being recognized.
func New(ocr OCR, dpi float64, timeout time.Duration, logger *zap.Logger) *Extractor {
	if dpi <= 0 {
		dpi = 200
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{ocr: ocr, dpi: dpi, timeout: timeout, logger: logger}
}

// ExtractText returns the text content of the file at path. A non-nil
// error is always an *Error and never means the text is unusable: OCR
// failures return whatever was recognized before them.
func (x *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		return x.extractPDF(ctx, path)
	case ".jpg", ".jpeg", ".png":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &Error{Path: path, Stage: "read", Err: err}
		}
		text, err := x.recognize(ctx, data, mime.TypeByExtension(ext))
		if err != nil {
			return text, &Error{Path: path, Stage: "ocr", Err: err}
		}
		return text, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &Error{Path: path, Stage: "read", Err: err}
		}
		return strings.ToValidUTF8(string(data), ""), nil
	}
}

func (x *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", &Error{Path: path, Stage: "open", Err: err}
	}
	defer doc.Close()

	var text strings.Builder
	for n := 0; n < doc.NumPage(); n++ {
		pageText, err := doc.Text(n)
		if err != nil {
			x.logger.Warn("Failed to read PDF text layer",
				zap.String("file", filepath.Base(path)), zap.Int("page", n), zap.Error(err))
			continue
		}
		text.WriteString(pageText)
	}
	if strings.TrimSpace(text.String()) != "" {
		return text.String(), nil
	}

	x.logger.Debug("PDF has no text layer, falling back to OCR",
		zap.String("file", filepath.Base(path)), zap.Int("pages", doc.NumPage()))

	// Image-only PDF: rasterize each page and OCR it.
	var ocrText strings.Builder
	var errs []error
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, x.dpi)
		if err != nil {
			errs = append(errs, fmt.Errorf("page %d: rasterize: %w", n, err))
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			errs = append(errs, fmt.Errorf("page %d: encode: %w", n, err))
			continue
		}
		pageText, err := x.recognize(ctx, buf.Bytes(), "image/png")
		if err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", n, err))
			continue
		}
		ocrText.WriteString(pageText)
	}

	if len(errs) > 0 {
		return ocrText.String(), &Error{Path: path, Stage: "ocr", Err: errors.Join(errs...)}
	}
	return ocrText.String(), nil
}

var errNoOCR = errors.New("no OCR backend configured")

func (x *Extractor) recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	if x.ocr == nil {
		return "", errNoOCR
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	text, err := x.ocr.Recognize(ctx, image, mimeType)
	metrics.ObserveCall("ocr", err, time.Since(start))
	if err != nil {
		return "", err
	}
	return text, nil
}
