package confidence

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

const richReply = "Dear customer,\n\nThank you for your payment. Please find the receipt attached and let us know the next step for collection.\n\nIQS Trade Team"

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScore(t *testing.T) {
	tests := []struct {
		name           string
		email          string
		reply          string
		classification string
		bls            []string
		wantScore      float64
		wantAutoSend   bool
		wantRec        string
	}{
		{
			name:           "payment with BL and rich reply saturates",
			email:          "Payment receipt for BL12345",
			reply:          richReply,
			classification: "payment_receipt",
			bls:            []string{"BL12345"},
			wantScore:      1.0,
			wantAutoSend:   true,
			wantRec:        "HIGH CONFIDENCE - Safe to auto-send",
		},
		{
			name:           "unknown classification with terse reply",
			email:          "zzz",
			reply:          "ok",
			classification: "unknown",
			wantScore:      0.5,
			wantAutoSend:   false,
			wantRec:        "LOW CONFIDENCE - Manual review required",
		},
		{
			name:           "general enquiry reaches threshold with BL",
			email:          "zzz",
			reply:          "ok",
			classification: "general_enquiry",
			bls:            []string{"BL1"},
			wantScore:      0.8,
			wantAutoSend:   true,
			wantRec:        "GOOD CONFIDENCE - Recommended for auto-send",
		},
		{
			name:           "distress keywords are capped",
			email:          "urgent dispute refund legal",
			reply:          "ok",
			classification: "invoice_request",
			wantScore:      0.4,
			wantAutoSend:   false,
			wantRec:        "LOW CONFIDENCE - Manual review required",
		},
		{
			name:           "two distress keywords",
			email:          "urgent dispute",
			reply:          "ok",
			classification: "unknown",
			wantScore:      0.1,
			wantAutoSend:   false,
			wantRec:        "VERY LOW CONFIDENCE - Manual review essential",
		},
		{
			name:           "high keywords are capped at three",
			email:          "invoice receipt payment container price",
			reply:          "ok",
			classification: "unknown",
			wantScore:      0.8,
			wantAutoSend:   true,
			wantRec:        "GOOD CONFIDENCE - Recommended for auto-send",
		},
	}

	s := NewScorer(DefaultThreshold, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.email, tt.reply, tt.classification, tt.bls)
			if !approx(got.Score, tt.wantScore) {
				t.Errorf("Score = %v, want %v", got.Score, tt.wantScore)
			}
			if got.AutoSend != tt.wantAutoSend {
				t.Errorf("AutoSend = %v, want %v", got.AutoSend, tt.wantAutoSend)
			}
			if got.Reasoning.Recommendation != tt.wantRec {
				t.Errorf("Recommendation = %q, want %q", got.Reasoning.Recommendation, tt.wantRec)
			}
			if got.Score < 0 || got.Score > 1 {
				t.Errorf("Score %v out of range", got.Score)
			}
			if got.AutoSend != (got.Score >= DefaultThreshold) {
				t.Errorf("AutoSend %v disagrees with score %v", got.AutoSend, got.Score)
			}
		})
	}
}

func TestThresholdFallback(t *testing.T) {
	for _, threshold := range []float64{0, -1, 1.5} {
		s := NewScorer(threshold, nil)
		if s.thresholdPoints != 80 {
			t.Errorf("NewScorer(%v) threshold = %d, want 80", threshold, s.thresholdPoints)
		}
	}
}

func TestQualitySignals(t *testing.T) {
	q := analyzeQuality(richReply)
	if !q.HasGreeting || !q.HasClearStructure || !q.HasActionItems {
		t.Errorf("quality = %+v, want greeting, structure and action items", q)
	}
	if q.ResponseLength <= 100 {
		t.Errorf("ResponseLength = %d, want > 100", q.ResponseLength)
	}

	q = analyzeQuality("ok")
	if q.HasGreeting || q.HasClearStructure || q.HasActionItems || q.HasContactInfo {
		t.Errorf("quality = %+v, want nothing", q)
	}
}

func TestContactInfoDoesNotScore(t *testing.T) {
	s := NewScorer(DefaultThreshold, nil)
	with := s.Score("zzz", "call", "unknown", nil)
	without := s.Score("zzz", "ok", "unknown", nil)
	if !with.Reasoning.ResponseQuality.HasContactInfo {
		t.Fatal("expected contact info to be detected")
	}
	if !approx(with.Score, without.Score) {
		t.Errorf("contact info changed score: %v vs %v", with.Score, without.Score)
	}
}

func TestCustomThreshold(t *testing.T) {
	s := NewScorer(0.95, nil)
	got := s.Score("zzz", "ok", "payment_receipt", []string{"BL1"})
	if !approx(got.Score, 1.0) || !got.AutoSend {
		t.Errorf("got %v/%v, want 1.0 auto-send", got.Score, got.AutoSend)
	}
	got = s.Score("zzz", "ok", "payment_receipt", nil)
	if got.AutoSend {
		t.Errorf("score %v should not clear 0.95", got.Score)
	}
}

func TestReasoningJSON(t *testing.T) {
	s := NewScorer(DefaultThreshold, nil)
	got := s.Score("Where is my container?", "ok", "general_enquiry", nil)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(got.Reasoning.JSON()), &decoded); err != nil {
		t.Fatalf("reasoning is not JSON: %v", err)
	}
	for _, key := range []string{
		"classification_score", "bl_numbers_found", "high_confidence_keywords",
		"low_confidence_indicators", "response_quality", "final_score",
		"auto_send_recommended", "recommendation",
	} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("reasoning missing %q", key)
		}
	}
	if !strings.Contains(got.Reasoning.JSON(), `"container"`) {
		t.Errorf("expected container keyword in %s", got.Reasoning.JSON())
	}
}

func TestHold(t *testing.T) {
	s := NewScorer(DefaultThreshold, nil)
	got := s.Score("zzz", "ok", "payment_receipt", []string{"BL1"})
	if !got.AutoSend {
		t.Fatal("precondition: expected auto-send")
	}
	held := got.Hold("manual")
	if held.AutoSend || held.Reasoning.AutoSendRecommended {
		t.Error("Hold must clear auto-send")
	}
	if held.Reasoning.Recommendation != "manual" || !approx(held.Score, got.Score) {
		t.Errorf("got %+v", held)
	}
}
