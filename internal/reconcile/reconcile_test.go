package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/receipt"
	"github.com/iqstrade/payinbox/internal/store"
)

type fakeStore struct {
	bills     map[string]*store.Bill
	updated   []int64
	processed map[int64]int
}

func newFakeStore(bills ...store.Bill) *fakeStore {
	s := &fakeStore{bills: make(map[string]*store.Bill), processed: make(map[int64]int)}
	for i := range bills {
		b := bills[i]
		if b.Status == "" {
			b.Status = store.StatusInvoiced
		}
		s.bills[b.BLNumber] = &b
	}
	return s
}

func (s *fakeStore) FindBill(ctx context.Context, bl string) (*store.Bill, error) {
	b, ok := s.bills[bl]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) UpdateBillReceipt(ctx context.Context, id int64, url string, at time.Time) (bool, error) {
	for _, b := range s.bills {
		if b.ID != id {
			continue
		}
		if b.Status == store.StatusAwaitingBankIn || b.Status == store.StatusPaid {
			return false, nil
		}
		b.Status = store.StatusAwaitingBankIn
		b.ReceiptURL = url
		b.ReceiptUploadedAt = at
		s.updated = append(s.updated, id)
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	s.processed[id]++
	return s.processed[id] == 1, nil
}

type fakeUploader struct {
	paths []string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, path, folder string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.paths = append(u.paths, path)
	return "https://blob.example/" + filepath.Base(path), nil
}

type fakeRenderer struct {
	dir      string
	rendered []receipt.Receipt
}

func (r *fakeRenderer) RenderPDF(ctx context.Context, rec receipt.Receipt) (string, error) {
	r.rendered = append(r.rendered, rec)
	path := filepath.Join(r.dir, "body.pdf")
	return path, os.WriteFile(path, []byte("%PDF"), 0600)
}

func bill(id int64, bl string, ctn, service string) store.Bill {
	return store.Bill{
		ID:         id,
		BLNumber:   bl,
		CTNFee:     decimal.RequireFromString(ctn),
		ServiceFee: decimal.RequireFromString(service),
	}
}

func paid(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func newEngine(t *testing.T, s *fakeStore) (*Engine, *fakeUploader, *fakeRenderer) {
	t.Helper()
	u := &fakeUploader{}
	r := &fakeRenderer{dir: t.TempDir()}
	e := New(s, u, r, Config{Folder: "receipts", Mailbox: "billing@iqstrade.com"}, zap.NewNop())
	return e, u, r
}

func TestReconcileMatchedFromBody(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, u, r := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    7,
		BLNumbers:  []string{"BL123456"},
		PaidAmount: paid("200"),
		Body:       "Payment of $200 for BL123456 attached",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != Matched || !res.Applied {
		t.Errorf("outcome = %s applied = %v, want applied match", res.Outcome, res.Applied)
	}
	if got := s.bills["BL123456"].Status; got != store.StatusAwaitingBankIn {
		t.Errorf("status = %q, want %q", got, store.StatusAwaitingBankIn)
	}
	if s.bills["BL123456"].ReceiptURL != "https://blob.example/body.pdf" {
		t.Errorf("receipt url = %q", s.bills["BL123456"].ReceiptURL)
	}
	if len(r.rendered) != 1 || r.rendered[0].Mailbox != "billing@iqstrade.com" {
		t.Errorf("rendered = %+v", r.rendered)
	}
	if len(u.paths) != 1 {
		t.Errorf("uploads = %d, want 1", len(u.paths))
	}
	if _, err := os.Stat(u.paths[0]); !os.IsNotExist(err) {
		t.Errorf("rendered receipt was not cleaned up")
	}
	if s.processed[7] != 1 {
		t.Errorf("processed = %d, want 1", s.processed[7])
	}
}

func TestReconcileUnderpaid(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, u, _ := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    7,
		BLNumbers:  []string{"BL123456"},
		PaidAmount: paid("50"),
		Body:       "$50 for BL123456",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != Underpaid {
		t.Errorf("outcome = %s, want underpaid", res.Outcome)
	}
	if len(s.updated) != 0 || len(u.paths) != 0 {
		t.Errorf("underpayment mutated state: updated=%v uploads=%v", s.updated, u.paths)
	}
	if !res.Difference().Equal(decimal.NewFromInt(-150)) {
		t.Errorf("difference = %s, want -150", res.Difference())
	}
	if s.processed[7] != 1 {
		t.Errorf("processed = %d, want 1", s.processed[7])
	}
}

func TestReconcileToleranceBoundary(t *testing.T) {
	tests := []struct {
		paid     string
		want     Outcome
		overpaid bool
	}{
		{"198.00", Matched, false},
		{"197.99", Underpaid, false},
		{"202.00", Matched, false},
		{"202.01", Matched, true},
		{"500", Matched, true},
	}

	for _, tt := range tests {
		t.Run(tt.paid, func(t *testing.T) {
			s := newFakeStore(bill(1, "BL123456", "150", "50"))
			e, _, _ := newEngine(t, s)

			res, err := e.Reconcile(context.Background(), Claim{
				EmailID:    1,
				BLNumbers:  []string{"BL123456"},
				PaidAmount: paid(tt.paid),
				Body:       "paid",
			})
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
			if res.Overpaid != tt.overpaid {
				t.Errorf("overpaid = %v, want %v", res.Overpaid, tt.overpaid)
			}
			moved := len(s.updated) == 1
			if moved != (tt.want == Matched) {
				t.Errorf("bill moved = %v for outcome %s", moved, res.Outcome)
			}
		})
	}
}

func TestReconcileSumsAcrossBills(t *testing.T) {
	s := newFakeStore(bill(1, "BL1111", "100", "50"), bill(2, "NYC22062889", "60", "40"))
	e, _, _ := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    3,
		BLNumbers:  []string{"BL1111", "NYC22062889", "BL9999"},
		PaidAmount: paid("250"),
		Body:       "paid both",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Expected.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected = %s, want 250", res.Expected)
	}
	if res.Updated != 2 {
		t.Errorf("updated = %d, want 2", res.Updated)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "BL9999" {
		t.Errorf("missing = %v", res.Missing)
	}
}

func TestReconcileNoAmount(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, _, _ := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{EmailID: 4, BLNumbers: []string{"BL123456"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != NoAmount {
		t.Errorf("outcome = %s, want no_amount", res.Outcome)
	}
	if len(s.updated) != 0 {
		t.Errorf("bills updated without an amount")
	}
	if s.processed[4] != 1 {
		t.Errorf("processed = %d, want 1", s.processed[4])
	}
}

func TestReconcileNoValidBL(t *testing.T) {
	tests := []struct {
		name string
		bls  []string
	}{
		{"empty", nil},
		{"unknown", []string{"ZZZ000000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStore(bill(1, "BL123456", "100", "100"))
			e, _, _ := newEngine(t, s)

			res, err := e.Reconcile(context.Background(), Claim{EmailID: 5, BLNumbers: tt.bls, PaidAmount: paid("200")})
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if res.Outcome != NoValidBL {
				t.Errorf("outcome = %s, want no_valid_bl", res.Outcome)
			}
			if s.processed[5] != 1 {
				t.Errorf("processed = %d, want 1", s.processed[5])
			}
		})
	}
}

func TestReconcilePrefersAttachedPDF(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, u, r := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    6,
		BLNumbers:  []string{"BL123456"},
		PaidAmount: paid("200"),
		Body:       "see attached",
		Attachments: []Attachment{
			{Path: "/tmp/photo.jpg", URL: "https://blob.example/photo.jpg"},
			{Path: "/tmp/slip.PDF", URL: "https://blob.example/slip.pdf"},
		},
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.ReceiptURL != "https://blob.example/slip.pdf" {
		t.Errorf("receipt = %q, want the attached PDF", res.ReceiptURL)
	}
	if len(r.rendered) != 0 || len(u.paths) != 0 {
		t.Errorf("rendered=%d uploads=%d, want reuse of existing URL", len(r.rendered), len(u.paths))
	}
}

func TestReconcileUploadFailureStillMarksProcessed(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, u, _ := newEngine(t, s)
	boom := errors.New("blob unavailable")
	u.err = boom

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    8,
		BLNumbers:  []string{"BL123456"},
		PaidAmount: paid("200"),
		Body:       "paid",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(s.updated) != 0 {
		t.Errorf("bill updated without a receipt")
	}
	if res.Applied {
		t.Errorf("Applied = true after a failed upload")
	}
	if s.processed[8] != 1 {
		t.Errorf("processed = %d, want 1", s.processed[8])
	}
}

func TestReconcileNoReceipt(t *testing.T) {
	s := newFakeStore(bill(1, "BL123456", "100", "100"))
	e, _, _ := newEngine(t, s)

	_, err := e.Reconcile(context.Background(), Claim{EmailID: 9, BLNumbers: []string{"BL123456"}, PaidAmount: paid("200")})
	if !errors.Is(err, ErrNoReceipt) {
		t.Errorf("err = %v, want ErrNoReceipt", err)
	}
}

func TestReconcileLeavesAdvancedBillAlone(t *testing.T) {
	b := bill(1, "BL123456", "100", "100")
	b.Status = store.StatusPaid
	s := newFakeStore(b)
	e, _, _ := newEngine(t, s)

	res, err := e.Reconcile(context.Background(), Claim{
		EmailID:    10,
		BLNumbers:  []string{"BL123456"},
		PaidAmount: paid("200"),
		Body:       "paid again",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Updated != 0 || s.bills["BL123456"].Status != store.StatusPaid {
		t.Errorf("paid bill moved backwards: updated=%d status=%s", res.Updated, s.bills["BL123456"].Status)
	}
}
