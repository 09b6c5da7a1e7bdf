package respond

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/store"
)

const (
	ctnPlaceholder     = "[insert CTN fee amount]"
	servicePlaceholder = "[insert service fee amount]"

	missingAttachmentNote = "\n\nNote: You mentioned an attachment in your email, but no files were attached. " +
		"If you intended to send a file, please resend your email with the attachment included." +
		"\n\n注意：您在邮件中提到有附件，但未检测到任何文件。如需补发，请重新发送带附件的邮件。"

	chineseClosing = "\n\n祝商祺！\nIQSTrade客服团队"
)

var (
	englishAttachmentLine = regexp.MustCompile(`(?im)^.*\b(attach|attachment|attached|attachments)\b.*$`)
	chineseAttachmentLine = regexp.MustCompile(`(?m)^.*(已?附上|附件|请查收附件|请见附件|请参见附件|请参考附件|请见附档|请查收附档|请见附加文件|请查收附加文件|附件见下|请查附件|请见下方附件|请见随信附件).*$`)

	// Phrases that mean the sender thinks something is attached.
	mentionsAttachment = regexp.MustCompile(`(?i)\b(see|find)( the)? attach|\battached\b|\battachments?\b|\benclosed\b|I('ve| have) attached|附件|附上`)

	moneyTolerance = decimal.RequireFromString("0.01")

	chineseClosingMarks = []string{"祝商祺", "此致敬礼", "顺祝商祺", "敬请回复"}
)

// Grounding is the billing data a reply is rewritten from.
type Grounding struct {
	// BLNumbers are the BLs confirmed to exist, in order.
	BLNumbers []string
	Bills     []store.Bill
	Missing   []string

	PaidAmount decimal.NullDecimal

	// OriginalBody is the customer's text as written.
	OriginalBody   string
	HasAttachments bool
}

// Draft is a reply ready to be scored and stored.
type Draft struct {
	Body              string
	Chinese           bool
	MissingAttachment bool
}

// Compose rewrites the model's draft using the billing records. Anything
// financial or operational (invoice links, CTN numbers, balances) comes
// from g, never from the model.
func (r *Responder) Compose(ctx context.Context, cls Classification, g Grounding) Draft {
	reply := cls.Reply
	kind := cls.Intent.Kind()

	if len(g.BLNumbers) > 0 {
		switch kind {
		case KindInvoiceRequest:
			reply = billReply(g, "Invoice(s) found:",
				"We could not find any invoice records for the provided BL numbers in our system. "+
					"Please double-check the BL numbers or contact us for further assistance.",
				func(b store.Bill) string {
					if b.InvoiceURL == "" {
						return "An invoice has not been generated yet."
					}
					return "You can download your invoice here: " + b.InvoiceURL
				})
		case KindCTNRequest:
			reply = billReply(g, "CTN(s) found:",
				"We could not find any CTN records for the provided BL numbers in our system. "+
					"Please double-check the BL numbers or contact us for further assistance.",
				func(b store.Bill) string {
					ctn := b.CTNNumber
					if ctn == "" {
						ctn = "Not available yet"
					}
					return "The CTN number is " + ctn + "."
				})
		case KindPaymentReceipt:
			reply = billReply(g, "Payment(s) found:",
				"We could not find any invoice records for the provided BL numbers in our system. "+
					"If you believe this is an error, please double-check the BL numbers or contact us for further assistance.",
				func(store.Bill) string { return "Payment record found." })
		}
	}

	if len(g.Bills) > 0 && (strings.Contains(reply, ctnPlaceholder) || strings.Contains(reply, servicePlaceholder)) {
		first := g.Bills[0]
		reply = strings.ReplaceAll(reply, ctnPlaceholder, first.CTNFee.StringFixed(2))
		reply = strings.ReplaceAll(reply, servicePlaceholder, first.ServiceFee.StringFixed(2))
	}

	if kind == KindPaymentReceipt && len(g.BLNumbers) > 0 {
		reply += balanceNote(g)
		if !containsAny(reply, "Best regards", r.config.Signature, "IQS Trade Team", "IQSTrade客服团队", "祝商祺") {
			reply += "\n\nIf you have any questions, please let us know.\n\nBest regards,\n" + r.config.Signature
		}
	}

	draft := Draft{}
	if !g.HasAttachments {
		reply = stripAttachmentLines(reply)
		if mentionsAttachment.MatchString(g.OriginalBody) {
			draft.MissingAttachment = true
			reply += missingAttachmentNote
		}
	}

	if cls.Translated {
		reply = r.translate(ctx, reply, "English", "Chinese")
		draft.Chinese = true
	} else {
		draft.Chinese = IsChinese(reply)
	}
	if draft.Chinese && !containsAny(reply, chineseClosingMarks...) {
		reply += chineseClosing
	}

	if draft.MissingAttachment {
		r.logger.Info("Sender mentioned an attachment but none was present")
	}
	r.logger.Debug("Composed reply",
		zap.String("classification", string(kind)),
		zap.Strings("bl_numbers", g.BLNumbers),
		zap.Strings("missing_bls", g.Missing),
		zap.Bool("chinese", draft.Chinese),
	)

	draft.Body = reply
	return draft
}

func billReply(g Grounding, heading, notFound string, line func(store.Bill) string) string {
	var lines []string
	if len(g.Bills) > 0 {
		lines = append(lines, heading)
		for _, b := range g.Bills {
			lines = append(lines, "  - For BL "+b.BLNumber+": "+line(b))
		}
	}
	if len(g.Missing) > 0 {
		lines = append(lines, "\nThe following BL numbers could not be found in our system: "+
			strings.Join(g.Missing, ", ")+". Please double-check or contact us for assistance.")
	}
	if len(lines) == 0 {
		return "Hello,\n\n" + notFound
	}
	return "Hello,\n\n" + strings.Join(lines, "\n")
}

func balanceNote(g Grounding) string {
	if len(g.Bills) == 0 || !g.PaidAmount.Valid {
		return ""
	}

	total := decimal.Zero
	for _, b := range g.Bills {
		total = total.Add(b.Expected())
	}
	paid := g.PaidAmount.Decimal

	switch {
	case paid.LessThan(total.Sub(moneyTolerance)):
		return "\n\nNote: We have received your payment of $" + paid.StringFixed(2) +
			", but the invoice amount is $" + total.StringFixed(2) +
			". There is an outstanding balance of $" + total.Sub(paid).StringFixed(2) + "."
	case paid.GreaterThan(total.Add(moneyTolerance)):
		return "\n\nNote: We have received your payment of $" + paid.StringFixed(2) +
			", but the invoice amount is $" + total.StringFixed(2) +
			". We will contact you regarding the excess payment of $" + paid.Sub(total).StringFixed(2) + "."
	}
	return ""
}

func stripAttachmentLines(reply string) string {
	reply = englishAttachmentLine.ReplaceAllString(reply, "")
	reply = chineseAttachmentLine.ReplaceAllString(reply, "")

	var kept []string
	for _, line := range strings.Split(reply, "\n") {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
