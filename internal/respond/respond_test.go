package respond

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/canned"
	"github.com/iqstrade/payinbox/internal/store"
)

type fakeLLM struct {
	raw         string
	err         error
	system      string
	prompt      string
	translated  string
	translateTo []string
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	f.system, f.prompt = system, user
	return f.raw, f.err
}

func (f *fakeLLM) Translate(ctx context.Context, text, from, to string) (string, error) {
	f.translateTo = append(f.translateTo, from+"->"+to)
	if f.translated == "" {
		return "", errors.New("translation unavailable")
	}
	return f.translated, nil
}

func newResponder(llm *fakeLLM) *Responder {
	return New(llm, nil, Config{}, zap.NewNop())
}

func TestClassifyParsesJSON(t *testing.T) {
	llm := &fakeLLM{raw: `{"classification": "payment_receipt",
		"info_needed": {"BL_numbers": ["BL123456", 778899], "paid_amount": "$200"},
		"reply": "Thank you for your payment."}`}
	r := newResponder(llm)

	cls, err := r.Classify(context.Background(), Email{Subject: "Payment", Body: "Payment of $200 for BL123456"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	pr, ok := cls.Intent.(PaymentReceipt)
	if !ok {
		t.Fatalf("intent = %#v, want PaymentReceipt", cls.Intent)
	}
	if !reflect.DeepEqual(pr.BLNumbers, []string{"BL123456", "778899"}) {
		t.Errorf("BLNumbers = %v", pr.BLNumbers)
	}
	if !pr.PaidAmount.Valid || !pr.PaidAmount.Decimal.Equal(decimal.NewFromInt(200)) {
		t.Errorf("PaidAmount = %v, want 200", pr.PaidAmount)
	}
	if cls.Reply != "Thank you for your payment." {
		t.Errorf("Reply = %q", cls.Reply)
	}
	if llm.system != "You're a shipping email agent." {
		t.Errorf("system prompt = %q", llm.system)
	}
}

func TestClassifyRecoversWrappedJSON(t *testing.T) {
	llm := &fakeLLM{raw: "Here you go:\n```json\n{\"classification\": \"ctn_request\", \"info_needed\": {\"BL_numbers\": \"NYC22062889\"}, \"reply\": \"Checking.\"}\n```"}
	cls, err := newResponder(llm).Classify(context.Background(), Email{Body: "CTN for NYC22062889?"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	ctn, ok := cls.Intent.(CTNRequest)
	if !ok || !reflect.DeepEqual(ctn.BLNumbers, []string{"NYC22062889"}) {
		t.Errorf("intent = %#v", cls.Intent)
	}
	if cls.ParseErr != nil {
		t.Errorf("ParseErr = %v", cls.ParseErr)
	}
}

func TestClassifyParseFailureDegradesToUnknown(t *testing.T) {
	cls, err := newResponder(&fakeLLM{raw: "I am not able to help with that."}).
		Classify(context.Background(), Email{Body: "hello"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent.Kind() != KindUnknown {
		t.Errorf("kind = %s, want unknown", cls.Intent.Kind())
	}
	if cls.ParseErr == nil {
		t.Error("ParseErr not set")
	}
	if cls.Reply != "Could not process email." {
		t.Errorf("Reply = %q", cls.Reply)
	}
}

func TestClassifyTransportFailure(t *testing.T) {
	boom := errors.New("connection refused")
	cls, err := newResponder(&fakeLLM{err: boom}).Classify(context.Background(), Email{Body: "hello"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if cls.Intent.Kind() != KindUnknown || cls.Reply != "Could not process email." {
		t.Errorf("fallback classification = %+v", cls)
	}
}

func TestClassifyUnlistedLabelIsUnknown(t *testing.T) {
	cls, _ := newResponder(&fakeLLM{raw: `{"classification": "complaint", "reply": "Sorry."}`}).
		Classify(context.Background(), Email{Body: "bad service"})
	if _, ok := cls.Intent.(Unknown); !ok {
		t.Errorf("intent = %#v, want Unknown", cls.Intent)
	}
}

func TestPromptContents(t *testing.T) {
	llm := &fakeLLM{raw: `{}`}
	lib := &canned.Library{Responses: []canned.Response{{ID: "pay", Title: "How do I pay?", Body: "Bank transfer."}}}
	r := New(llm, lib, Config{}, zap.NewNop())

	_, err := r.Classify(context.Background(), Email{
		Subject:         "Receipt",
		Body:            "Please find the slip",
		AttachmentCount: 2,
		AttachmentTexts: []string{"Paid USD 300"},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	for _, want := range []string{
		"CANNED RESPONSES:\nQ: How do I pay?\nA: Bank transfer.",
		"EMAIL:\nSubject: Receipt\n\nPlease find the slip",
		"The customer has attached 2 file(s) to this email.",
		"ATTACHMENT TEXT:\nPaid USD 300",
		`"BL_numbers"`,
	} {
		if !strings.Contains(llm.prompt, want) {
			t.Errorf("prompt missing %q\n%s", want, llm.prompt)
		}
	}
}

func TestPromptWithoutCannedOrAttachments(t *testing.T) {
	llm := &fakeLLM{raw: `{}`}
	newResponder(llm).Classify(context.Background(), Email{Subject: "Hi", Body: "question"})

	if !strings.Contains(llm.prompt, "CANNED RESPONSES:\nNo canned responses available.") {
		t.Errorf("prompt missing empty canned marker:\n%s", llm.prompt)
	}
	if strings.Contains(llm.prompt, "has attached") || strings.Contains(llm.prompt, "ATTACHMENT TEXT") {
		t.Errorf("prompt mentions attachments:\n%s", llm.prompt)
	}
}

func TestClassifyTranslatesChinese(t *testing.T) {
	llm := &fakeLLM{raw: `{"classification": "general_enquiry", "reply": "Hello"}`, translated: "Hello, what is the fee?"}
	cls, err := newResponder(llm).Classify(context.Background(), Email{Body: "您好，请问费用是多少？"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !cls.Translated || cls.WorkingBody != "Hello, what is the fee?" {
		t.Errorf("translated=%v working=%q", cls.Translated, cls.WorkingBody)
	}
	if !reflect.DeepEqual(llm.translateTo, []string{"Chinese->English"}) {
		t.Errorf("translations = %v", llm.translateTo)
	}
	if !strings.Contains(llm.prompt, "Hello, what is the fee?") {
		t.Error("prompt does not carry the translated body")
	}
}

func TestIsChinese(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"您好，付款已完成", true},
		{"Payment done for BL123456", false},
		{"BL123456 已付", false},
		{"", false},
		{"已付款 BL1", true},
	}
	for _, tt := range tests {
		if got := IsChinese(tt.text); got != tt.want {
			t.Errorf("IsChinese(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func bill(bl, ctn, service, invoice, ctnNumber string) store.Bill {
	return store.Bill{
		BLNumber:   bl,
		CTNFee:     decimal.RequireFromString(ctn),
		ServiceFee: decimal.RequireFromString(service),
		InvoiceURL: invoice,
		CTNNumber:  ctnNumber,
	}
}

func TestComposeInvoiceRequest(t *testing.T) {
	r := newResponder(&fakeLLM{})
	cls := Classification{Intent: InvoiceRequest{}, Reply: "Model text with a made up link."}

	d := r.Compose(context.Background(), cls, Grounding{
		BLNumbers:      []string{"BL1111", "BL2222", "BL3333"},
		Bills:          []store.Bill{bill("BL1111", "1", "1", "https://blob.example/inv.pdf", ""), bill("BL2222", "1", "1", "", "")},
		Missing:        []string{"BL3333"},
		HasAttachments: true,
	})

	want := "Hello,\n\nInvoice(s) found:\n" +
		"  - For BL BL1111: You can download your invoice here: https://blob.example/inv.pdf\n" +
		"  - For BL BL2222: An invoice has not been generated yet.\n" +
		"\nThe following BL numbers could not be found in our system: BL3333. Please double-check or contact us for assistance."
	if d.Body != want {
		t.Errorf("body =\n%s\nwant\n%s", d.Body, want)
	}
}

func TestComposeCTNRequest(t *testing.T) {
	r := newResponder(&fakeLLM{})
	cls := Classification{Intent: CTNRequest{}, Reply: "x"}

	d := r.Compose(context.Background(), cls, Grounding{
		BLNumbers:      []string{"BL1111", "BL2222"},
		Bills:          []store.Bill{bill("BL1111", "1", "1", "", "CTN-42"), bill("BL2222", "1", "1", "", "")},
		HasAttachments: true,
	})

	want := "Hello,\n\nCTN(s) found:\n" +
		"  - For BL BL1111: The CTN number is CTN-42.\n" +
		"  - For BL BL2222: The CTN number is Not available yet."
	if d.Body != want {
		t.Errorf("body =\n%s\nwant\n%s", d.Body, want)
	}

	none := r.Compose(context.Background(), cls, Grounding{BLNumbers: []string{"BL9"}, HasAttachments: true})
	if !strings.HasPrefix(none.Body, "Hello,\n\nWe could not find any CTN records") {
		t.Errorf("no-record body = %q", none.Body)
	}
}

func TestComposePaymentNotes(t *testing.T) {
	tests := []struct {
		name string
		paid string
		want string
	}{
		{"underpaid", "150", "\n\nNote: We have received your payment of $150.00, but the invoice amount is $200.00. There is an outstanding balance of $50.00."},
		{"overpaid", "250", "\n\nNote: We have received your payment of $250.00, but the invoice amount is $200.00. We will contact you regarding the excess payment of $50.00."},
		{"exact", "200", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResponder(&fakeLLM{})
			d := r.Compose(context.Background(),
				Classification{Intent: PaymentReceipt{}, Reply: "ignored"},
				Grounding{
					BLNumbers:      []string{"BL123456"},
					Bills:          []store.Bill{bill("BL123456", "100", "100", "", "")},
					PaidAmount:     decimal.NewNullDecimal(decimal.RequireFromString(tt.paid)),
					HasAttachments: true,
				})

			want := "Hello,\n\nPayment(s) found:\n  - For BL BL123456: Payment record found." + tt.want +
				"\n\nIf you have any questions, please let us know.\n\nBest regards,\nIQS Trade Team"
			if d.Body != want {
				t.Errorf("body =\n%s\nwant\n%s", d.Body, want)
			}
		})
	}
}

func TestComposeFillsPlaceholders(t *testing.T) {
	r := newResponder(&fakeLLM{})
	d := r.Compose(context.Background(),
		Classification{Intent: GeneralEnquiry{}, Reply: "The CTN fee is [insert CTN fee amount] and the service fee is [insert service fee amount]."},
		Grounding{
			BLNumbers:      []string{"BL1111"},
			Bills:          []store.Bill{bill("BL1111", "100", "50", "", "")},
			HasAttachments: true,
		})

	if d.Body != "The CTN fee is 100.00 and the service fee is 50.00." {
		t.Errorf("body = %q", d.Body)
	}
}

func TestComposeWithoutAttachments(t *testing.T) {
	r := newResponder(&fakeLLM{})
	d := r.Compose(context.Background(),
		Classification{Intent: GeneralEnquiry{}, Reply: "Hello,\n\nThank you, we received the attached receipt.\n请查收附件\n\nThanks"},
		Grounding{OriginalBody: "I have attached the bank slip."})

	want := "Hello,\nThanks" + missingAttachmentNote
	if d.Body != want {
		t.Errorf("body =\n%q\nwant\n%q", d.Body, want)
	}
	if !d.MissingAttachment {
		t.Error("MissingAttachment not set")
	}
}

func TestComposeTranslatesBack(t *testing.T) {
	llm := &fakeLLM{translated: "您好，我们已收到您的付款。"}
	r := newResponder(llm)

	d := r.Compose(context.Background(),
		Classification{Intent: GeneralEnquiry{}, Reply: "Hello, we received your payment.", Translated: true},
		Grounding{HasAttachments: true})

	if d.Body != "您好，我们已收到您的付款。"+chineseClosing {
		t.Errorf("body = %q", d.Body)
	}
	if !d.Chinese {
		t.Error("Chinese not set")
	}
	if !reflect.DeepEqual(llm.translateTo, []string{"English->Chinese"}) {
		t.Errorf("translations = %v", llm.translateTo)
	}
}

func TestComposeKeepsEnglishWhenTranslationFails(t *testing.T) {
	r := newResponder(&fakeLLM{})
	d := r.Compose(context.Background(),
		Classification{Intent: GeneralEnquiry{}, Reply: "Hello.", Translated: true},
		Grounding{HasAttachments: true})

	if d.Body != "Hello."+chineseClosing {
		t.Errorf("body = %q", d.Body)
	}
}

func TestMayMutateBills(t *testing.T) {
	tests := []struct {
		intent Intent
		want   bool
	}{
		{PaymentReceipt{}, true},
		{Unknown{}, true},
		{InvoiceRequest{}, false},
		{CTNRequest{}, false},
		{GeneralEnquiry{}, false},
	}
	for _, tt := range tests {
		if got := MayMutateBills(tt.intent); got != tt.want {
			t.Errorf("MayMutateBills(%s) = %v, want %v", tt.intent.Kind(), got, tt.want)
		}
	}
}
