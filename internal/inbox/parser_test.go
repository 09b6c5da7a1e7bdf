package inbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
)

const multipartMessage = "From: Customer <cust@example.com>\r\n" +
	"To: accounts@iqstrade.com\r\n" +
	"Subject: Payment for BL12345\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Date: Mon, 03 Mar 2025 10:15:00 +0800\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please find attached the receipt. Amount Paid: $1,234.56\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"../../receipt.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--XYZ--\r\n"

func TestParseMessageMultipart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "msg")
	msg, err := ParseMessage(strings.NewReader(multipartMessage), dir)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if msg.From != "cust@example.com" || msg.FromName != "Customer" {
		t.Errorf("From = %q/%q", msg.From, msg.FromName)
	}
	if msg.Subject != "Payment for BL12345" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.MessageID != "<abc123@example.com>" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not parsed")
	}
	if !strings.Contains(msg.Body, "Amount Paid: $1,234.56") {
		t.Errorf("Body = %q", msg.Body)
	}

	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	a := msg.Attachments[0]
	if a.Filename != "receipt.pdf" {
		t.Errorf("Filename = %q, want path components stripped", a.Filename)
	}
	if filepath.Dir(a.Path) != dir {
		t.Errorf("attachment saved outside message dir: %s", a.Path)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "%PDF-1.4") {
		t.Errorf("attachment content = %q", data)
	}
	if got := msg.AttachmentPaths(); len(got) != 1 || got[0] != a.Path {
		t.Errorf("AttachmentPaths = %v", got)
	}

	if err := msg.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dir still present after Cleanup: %v", err)
	}
}

func TestParseMessageHTMLOnly(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"Subject: Invoice\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><head><style>p{}</style></head><body><p>Hello,</p><p>Invoice for BL 98765<br>thanks</p></body></html>"

	msg, err := ParseMessage(strings.NewReader(raw), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := "Hello,\nInvoice for BL 98765\nthanks"
	if msg.Body != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("got %d attachments", len(msg.Attachments))
	}
	if msg.MessageID != "" {
		t.Errorf("MessageID = %q, want empty", msg.MessageID)
	}
}

func TestParseMessageGBK(t *testing.T) {
	body, err := simplifiedchinese.GBK.NewEncoder().String("付款收据 BL12345")
	if err != nil {
		t.Fatal(err)
	}
	raw := "From: a@example.com\r\n" +
		"Subject: receipt\r\n" +
		"Content-Type: text/plain; charset=gb2312\r\n" +
		"Content-Transfer-Encoding: 8bit\r\n" +
		"\r\n" + body

	msg, err := ParseMessage(strings.NewReader(raw), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "付款收据 BL12345" {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name, ct string
		want     string
	}{
		{"receipt.pdf", "application/pdf", "receipt.pdf"},
		{`C:\Users\x\scan 1.jpg`, "image/jpeg", "scan 1.jpg"},
		{"..", "application/pdf", "attachment_1.pdf"},
		{"", "application/pdf", "attachment_1.pdf"},
		{"付款.png", "image/png", "付款.png"},
	}
	for _, tt := range tests {
		if got := safeFilename(tt.name, tt.ct, 0); got != tt.want {
			t.Errorf("safeFilename(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSyntheticMessageIDStable(t *testing.T) {
	at := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	a := syntheticMessageID("a@example.com", "hi", at)
	b := syntheticMessageID("a@example.com", "hi", at.In(time.FixedZone("x", 8*3600)))
	if a != b {
		t.Errorf("ids differ across zones: %s vs %s", a, b)
	}
	if c := syntheticMessageID("a@example.com", "hi again", at); c == a {
		t.Error("different subjects produced the same id")
	}
}

func TestParseMessageDropsOversizedAttachment(t *testing.T) {
	old := maxAttachmentBytes
	maxAttachmentBytes = 4
	t.Cleanup(func() { maxAttachmentBytes = old })

	dir := filepath.Join(t.TempDir(), "msg")
	msg, err := ParseMessage(strings.NewReader(multipartMessage), dir)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	defer msg.Cleanup()

	if msg.MessageID != "<abc123@example.com>" || !strings.Contains(msg.Body, "$1,234.56") {
		t.Errorf("headers or body lost: id=%q body=%q", msg.MessageID, msg.Body)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("got %d attachments, want oversized one dropped", len(msg.Attachments))
	}
	if len(msg.Problems) != 1 || msg.Problems[0].Filename != "receipt.pdf" {
		t.Fatalf("Problems = %+v, want one for receipt.pdf", msg.Problems)
	}
	if !strings.Contains(msg.Problems[0].Reason, "exceeds") {
		t.Errorf("Reason = %q", msg.Problems[0].Reason)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("partial attachment left on disk: %v", entries)
	}
}
