// Package respond classifies customer emails with a language model and
// turns the model's draft into a reply grounded in billing records.
package respond

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/canned"
	"github.com/iqstrade/payinbox/internal/fields"
)

const (
	systemPrompt  = "You're a shipping email agent."
	fallbackReply = "Could not process email."

	// Attachment text beyond this is not sent to the model.
	maxAttachmentChars = 6000
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

var classifyTmpl = template.Must(template.ParseFS(embeddedTemplates, "templates/classify.tmpl"))

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// LLM is the model the responder talks to.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Email is the customer message as the classifier sees it.
type Email struct {
	Subject         string
	Body            string
	AttachmentCount int
	AttachmentTexts []string
}

// Classification is the model's reading of an email.
type Classification struct {
	Intent Intent
	Reply  string // the model's own draft
	Raw    string

	// WorkingBody is the body the model saw, translated to English when
	// the customer wrote in Chinese.
	WorkingBody string
	Translated  bool

	// ParseErr is set when no JSON object could be recovered from Raw.
	ParseErr error
}

type Config struct {
	Signature string
}

type Responder struct {
	llm    LLM
	canned *canned.Library
	config Config
	logger *zap.Logger
}

func New(llm LLM, lib *canned.Library, cfg Config, logger *zap.Logger) *Responder {
	if cfg.Signature == "" {
		cfg.Signature = "IQS Trade Team"
	}
	if lib == nil {
		lib = &canned.Library{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{llm: llm, canned: lib, config: cfg, logger: logger}
}

// Classify asks the model for an intent and a draft reply. A failed model
// call is returned as an error together with an Unknown classification, so
// the caller can record it and carry on.
func (r *Responder) Classify(ctx context.Context, email Email) (Classification, error) {
	cls := Classification{Intent: Unknown{}, Reply: fallbackReply, WorkingBody: email.Body}

	if IsChinese(email.Body) {
		cls.Translated = true
		cls.WorkingBody = r.translate(ctx, email.Body, "Chinese", "English")
		if !r.canned.HasLanguage("zh") {
			r.logger.Warn("No Chinese canned responses available for Chinese email")
		}
	}

	prompt, err := r.buildPrompt(email, cls.WorkingBody)
	if err != nil {
		return cls, err
	}

	raw, err := r.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return cls, fmt.Errorf("failed to classify email: %w", err)
	}
	cls.Raw = raw

	act, err := parseAction(raw)
	if err != nil {
		r.logger.Warn("Could not parse JSON from model response", zap.Error(err), zap.String("response", raw))
		cls.ParseErr = err
		return cls, nil
	}

	cls.Intent = act.intent()
	cls.Reply = act.Reply
	return cls, nil
}

func (r *Responder) buildPrompt(email Email, body string) (string, error) {
	attachmentText := strings.TrimSpace(strings.Join(email.AttachmentTexts, "\n\n"))
	if len(attachmentText) > maxAttachmentChars {
		attachmentText = attachmentText[:maxAttachmentChars]
		for !utf8.ValidString(attachmentText) {
			attachmentText = attachmentText[:len(attachmentText)-1]
		}
	}

	var buf bytes.Buffer
	err := classifyTmpl.Execute(&buf, struct {
		Canned          string
		Subject         string
		Body            string
		AttachmentCount int
		AttachmentText  string
	}{
		Canned:          r.canned.PromptText(email.Subject + "\n" + body),
		Subject:         email.Subject,
		Body:            body,
		AttachmentCount: email.AttachmentCount,
		AttachmentText:  attachmentText,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// translate falls back to the input text when translation fails.
func (r *Responder) translate(ctx context.Context, text, from, to string) string {
	out, err := r.llm.Translate(ctx, text, from, to)
	if err != nil || strings.TrimSpace(out) == "" {
		r.logger.Warn("Translation failed, keeping original text",
			zap.String("from", from), zap.String("to", to), zap.Error(err))
		return text
	}
	return out
}

// IsChinese reports whether more than a fifth of the characters in text
// are CJK ideographs.
func IsChinese(text string) bool {
	total, han := 0, 0
	for _, r := range text {
		total++
		if r >= '\u4e00' && r <= '\u9fff' {
			han++
		}
	}
	return han > 0 && float64(han)/float64(total) > 0.2
}

type action struct {
	Classification string `json:"classification"`
	InfoNeeded     struct {
		BLNumbers  blList          `json:"BL_numbers"`
		PaidAmount json.RawMessage `json:"paid_amount"`
	} `json:"info_needed"`
	Reply string `json:"reply"`
}

var errNoJSON = errors.New("no JSON object in response")

func parseAction(raw string) (*action, error) {
	var act action
	if err := json.Unmarshal([]byte(raw), &act); err == nil {
		return &act, nil
	}

	m := jsonObject.FindString(raw)
	if m == "" {
		return nil, errNoJSON
	}
	if err := json.Unmarshal([]byte(m), &act); err != nil {
		return nil, fmt.Errorf("invalid JSON object in response: %w", err)
	}
	return &act, nil
}

func (a *action) intent() Intent {
	bls := []string(a.InfoNeeded.BLNumbers)
	switch Kind(strings.ToLower(strings.TrimSpace(a.Classification))) {
	case KindInvoiceRequest:
		return InvoiceRequest{BLNumbers: bls}
	case KindPaymentReceipt:
		return PaymentReceipt{BLNumbers: bls, PaidAmount: a.paidAmount()}
	case KindGeneralEnquiry:
		return GeneralEnquiry{}
	case KindCTNRequest:
		return CTNRequest{BLNumbers: bls}
	}
	return Unknown{}
}

func (a *action) paidAmount() decimal.NullDecimal {
	raw := strings.TrimSpace(string(a.InfoNeeded.PaidAmount))
	if raw == "" || raw == "null" {
		return decimal.NullDecimal{}
	}
	if s, err := strconv.Unquote(raw); err == nil {
		raw = s
	}
	return fields.ParseAmount(raw)
}

// blList accepts a list of strings or numbers, a single string, or null.
type blList []string

func (l *blList) UnmarshalJSON(data []byte) error {
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		var single any
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		items = []any{single}
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		switch v := it.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}
