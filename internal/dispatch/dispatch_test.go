package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iqstrade/payinbox/internal/confidence"
	"github.com/iqstrade/payinbox/internal/email"
	"github.com/iqstrade/payinbox/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	emails map[string]int64
	drafts map[int64]*store.DraftReply
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{emails: map[string]int64{}, drafts: map[int64]*store.DraftReply{}}
}

func (f *fakeStore) FindOrCreateEmail(_ context.Context, sender, subject string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sender + "|" + subject
	if id, ok := f.emails[key]; ok {
		return id, nil
	}
	f.nextID++
	f.emails[key] = f.nextID
	return f.nextID, nil
}

func (f *fakeStore) InsertDraft(_ context.Context, d *store.DraftReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	d.ID = f.nextID
	cp := *d
	f.drafts[d.ID] = &cp
	return nil
}

func (f *fakeStore) GetDraft(_ context.Context, id int64) (*store.DraftReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drafts[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) ClaimDraft(_ context.Context, id int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drafts[id]
	if !ok || !d.SentAt.IsZero() {
		return false, nil
	}
	d.SentAt = at
	return true, nil
}

func (f *fakeStore) ReleaseDraft(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drafts[id]; ok {
		d.SentAt = time.Time{}
	}
	return nil
}

func (f *fakeStore) MarkDraftSent(_ context.Context, id int64, auto bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drafts[id]
	d.IsDraft = false
	d.SentAt = at
	if auto {
		d.AutoSent = true
		d.AutoSentAt = at
	}
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	fail  bool
	delay time.Duration
	sent  []email.Message
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, msg email.Message) email.Result {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return email.Result{Error: errors.New("connection refused")}
	}
	s.sent = append(s.sent, msg)
	return email.Result{Success: true, MessageID: "m1"}
}

func result(score float64, auto bool) confidence.Result {
	return confidence.Result{
		Score:     score,
		AutoSend:  auto,
		Reasoning: confidence.Reasoning{FinalScore: score, AutoSendRecommended: auto},
	}
}

func TestPersistAndMaybeSend(t *testing.T) {
	tests := []struct {
		name         string
		auto         bool
		senderFails  bool
		wantErr      error
		wantSent     int
		wantIsDraft  bool
		wantAutoSent bool
	}{
		{name: "low confidence stays draft", auto: false, wantIsDraft: true},
		{name: "high confidence is sent", auto: true, wantSent: 1, wantAutoSent: true},
		{name: "send failure keeps row", auto: true, senderFails: true, wantErr: ErrSendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			snd := &fakeSender{fail: tt.senderFails}
			d := New(st, snd, Config{From: "accounts@iqstrade.com"}, nil)

			draft, err := d.PersistAndMaybeSend(context.Background(), Reply{
				EmailID:   7,
				Recipient: "c@example.com",
				Subject:   "Payment BL12345",
				Body:      "Hello",
			}, result(0.9, tt.auto))

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if draft == nil {
				t.Fatal("draft must be returned")
			}

			stored, _ := st.GetDraft(context.Background(), draft.ID)
			if stored == nil {
				t.Fatal("draft was not stored")
			}
			if stored.CustomerEmailID != 7 {
				t.Errorf("CustomerEmailID = %d, want 7", stored.CustomerEmailID)
			}
			if stored.IsDraft != tt.wantIsDraft {
				t.Errorf("IsDraft = %v, want %v", stored.IsDraft, tt.wantIsDraft)
			}
			if stored.AutoSent != tt.wantAutoSent {
				t.Errorf("AutoSent = %v, want %v", stored.AutoSent, tt.wantAutoSent)
			}
			if stored.AutoSendRecommended != tt.auto {
				t.Errorf("AutoSendRecommended = %v, want %v", stored.AutoSendRecommended, tt.auto)
			}
			if len(snd.sent) != tt.wantSent {
				t.Errorf("sent %d messages, want %d", len(snd.sent), tt.wantSent)
			}
			if tt.wantSent > 0 && snd.sent[0].Subject != "Re: Payment BL12345" {
				t.Errorf("subject = %q", snd.sent[0].Subject)
			}
		})
	}
}

func TestPersistCreatesEmailRow(t *testing.T) {
	st := newFakeStore()
	d := New(st, &fakeSender{}, Config{}, nil)

	draft, err := d.PersistAndMaybeSend(context.Background(), Reply{
		Recipient: "c@example.com",
		Subject:   "Invoice",
		Body:      "Hello",
	}, result(0.5, false))
	if err != nil {
		t.Fatal(err)
	}
	want := st.emails["c@example.com|Invoice"]
	if want == 0 || draft.CustomerEmailID != want {
		t.Errorf("CustomerEmailID = %d, want %d", draft.CustomerEmailID, want)
	}
}

func TestSendDraft(t *testing.T) {
	st := newFakeStore()
	snd := &fakeSender{}
	d := New(st, snd, Config{From: "accounts@iqstrade.com"}, nil)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	draft, err := d.PersistAndMaybeSend(context.Background(), Reply{
		EmailID: 3, Recipient: "c@example.com", Subject: "BL1", Body: "Hello",
	}, result(0.4, false))
	if err != nil {
		t.Fatal(err)
	}

	sent, err := d.SendDraft(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("SendDraft: %v", err)
	}
	if sent.IsDraft || sent.AutoSent || !sent.SentAt.Equal(fixed) {
		t.Errorf("got %+v, want staff delivery at %v", sent, fixed)
	}
	stored, _ := st.GetDraft(context.Background(), draft.ID)
	if stored.AutoSent {
		t.Error("staff send must not set AutoSent")
	}

	if _, err := d.SendDraft(context.Background(), draft.ID); !errors.Is(err, ErrAlreadySent) {
		t.Errorf("second send err = %v, want ErrAlreadySent", err)
	}
	if _, err := d.SendDraft(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing draft err = %v, want ErrNotFound", err)
	}
	if len(snd.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(snd.sent))
	}
}

func TestSendDraftConcurrentDeliversOnce(t *testing.T) {
	st := newFakeStore()
	snd := &fakeSender{delay: 50 * time.Millisecond}
	d := New(st, snd, Config{}, nil)

	draft, err := d.PersistAndMaybeSend(context.Background(), Reply{
		EmailID: 4, Recipient: "c@example.com", Subject: "BL2", Body: "Hello",
	}, result(0.4, false))
	if err != nil {
		t.Fatal(err)
	}

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.SendDraft(context.Background(), draft.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadySent):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || already != callers-1 {
		t.Errorf("ok=%d already=%d, want 1 and %d", ok, already, callers-1)
	}
	if len(snd.sent) != 1 {
		t.Errorf("delivered %d times, want 1", len(snd.sent))
	}
}

func TestSendDraftFailureCanBeRetried(t *testing.T) {
	st := newFakeStore()
	snd := &fakeSender{fail: true}
	d := New(st, snd, Config{}, nil)

	draft, err := d.PersistAndMaybeSend(context.Background(), Reply{
		EmailID: 5, Recipient: "c@example.com", Subject: "BL3", Body: "Hello",
	}, result(0.4, false))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.SendDraft(context.Background(), draft.ID); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	stored, _ := st.GetDraft(context.Background(), draft.ID)
	if !stored.SentAt.IsZero() {
		t.Fatal("failed send left the draft claimed")
	}

	snd.mu.Lock()
	snd.fail = false
	snd.mu.Unlock()
	if _, err := d.SendDraft(context.Background(), draft.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Errorf("delivered %d times, want 1", len(snd.sent))
	}
}
