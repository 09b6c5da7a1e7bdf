// Package confidence scores a drafted reply and decides whether it can be
// sent without a human looking at it.
package confidence

import (
	"encoding/json"
	"math"
	"strings"

	"go.uber.org/zap"
)

// DefaultThreshold is the lowest score that is sent automatically.
const DefaultThreshold = 0.8

// Scores are kept in hundredths so threshold comparisons are exact.
var classificationPoints = map[string]int{
	"payment_receipt": 90,
	"invoice_request": 80,
	"general_enquiry": 70,
}

const (
	defaultClassificationPoints = 50
	blPoints                    = 10
	highKeywordPoints           = 10
	highKeywordCap              = 30
	lowKeywordPoints            = 20
	lowKeywordCap               = 40
	qualityPoints               = 5
)

var (
	// Clear, routine intent in the customer's email.
	highConfidenceKeywords = []string{
		"invoice", "receipt", "payment", "ctn", "bl", "container",
		"price", "cost", "fee", "how much", "when", "where",
		"status", "track", "document", "contact",
	}

	// Distress or dispute signals that need a person.
	lowConfidenceIndicators = []string{
		"urgent", "emergency", "problem", "issue", "wrong", "error",
		"complaint", "refund", "cancel", "dispute", "legal",
		"not received", "missing", "damaged", "lost",
	}

	greetings   = []string{"thank you", "dear", "hello", "hi"}
	actionWords = []string{"please", "next", "step", "provide"}
	contactInfo = []string{"contact", "email", "phone", "call"}
)

// Quality describes the drafted reply.
type Quality struct {
	HasGreeting       bool `json:"has_greeting"`
	HasClearStructure bool `json:"has_clear_structure"`
	HasActionItems    bool `json:"has_action_items"`
	HasContactInfo    bool `json:"has_contact_info"`
	ResponseLength    int  `json:"response_length"`
}

// Reasoning records how a score was reached. It is stored with the draft.
type Reasoning struct {
	ClassificationScore     float64  `json:"classification_score"`
	BLNumbersFound          bool     `json:"bl_numbers_found"`
	HighConfidenceKeywords  []string `json:"high_confidence_keywords"`
	LowConfidenceIndicators []string `json:"low_confidence_indicators"`
	ResponseQuality         Quality  `json:"response_quality"`
	FinalScore              float64  `json:"final_score"`
	AutoSendRecommended     bool     `json:"auto_send_recommended"`
	Recommendation          string   `json:"recommendation"`
}

// JSON renders the reasoning for storage.
func (r Reasoning) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}

type Result struct {
	Score     float64
	AutoSend  bool
	Reasoning Reasoning
}

// Hold keeps the reply as a draft whatever its score, recording reason as
// the recommendation.
func (r Result) Hold(reason string) Result {
	r.AutoSend = false
	r.Reasoning.AutoSendRecommended = false
	r.Reasoning.Recommendation = reason
	return r
}

type Scorer struct {
	thresholdPoints int
	logger          *zap.Logger
}

// NewScorer returns a Scorer that recommends auto-send at or above
// threshold. A threshold outside (0,1] falls back to DefaultThreshold.
func NewScorer(threshold float64, logger *zap.Logger) *Scorer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{thresholdPoints: toPoints(threshold), logger: logger}
}

// Score rates reply as an answer to originalEmail.
func (s *Scorer) Score(originalEmail, reply, classification string, blNumbers []string) Result {
	var r Reasoning
	points := 0

	base, ok := classificationPoints[classification]
	if !ok {
		base = defaultClassificationPoints
	}
	points += base
	r.ClassificationScore = fromPoints(base)

	if len(blNumbers) > 0 {
		points += blPoints
		r.BLNumbersFound = true
	}

	email := strings.ToLower(originalEmail)
	r.HighConfidenceKeywords = matching(email, highConfidenceKeywords)
	r.LowConfidenceIndicators = matching(email, lowConfidenceIndicators)
	points += min(highKeywordPoints*len(r.HighConfidenceKeywords), highKeywordCap)
	points -= min(lowKeywordPoints*len(r.LowConfidenceIndicators), lowKeywordCap)

	q := analyzeQuality(reply)
	r.ResponseQuality = q
	for _, bonus := range []bool{q.HasGreeting, q.HasClearStructure, q.HasActionItems, q.ResponseLength > 100} {
		if bonus {
			points += qualityPoints
		}
	}

	points = max(0, min(100, points))
	autoSend := points >= s.thresholdPoints

	r.FinalScore = fromPoints(points)
	r.AutoSendRecommended = autoSend
	r.Recommendation = recommendation(points)

	s.logger.Debug("scored reply",
		zap.String("classification", classification),
		zap.Float64("score", r.FinalScore),
		zap.Bool("auto_send", autoSend),
	)

	return Result{Score: r.FinalScore, AutoSend: autoSend, Reasoning: r}
}

func analyzeQuality(reply string) Quality {
	lower := strings.ToLower(reply)
	return Quality{
		HasGreeting:       len(matching(lower, greetings)) > 0,
		HasClearStructure: len(strings.Split(reply, "\n\n")) >= 2,
		HasActionItems:    len(matching(lower, actionWords)) > 0,
		HasContactInfo:    len(matching(lower, contactInfo)) > 0,
		ResponseLength:    len([]rune(reply)),
	}
}

func recommendation(points int) string {
	switch {
	case points >= 90:
		return "HIGH CONFIDENCE - Safe to auto-send"
	case points >= 80:
		return "GOOD CONFIDENCE - Recommended for auto-send"
	case points >= 60:
		return "MODERATE CONFIDENCE - Review recommended"
	case points >= 40:
		return "LOW CONFIDENCE - Manual review required"
	default:
		return "VERY LOW CONFIDENCE - Manual review essential"
	}
}

// matching returns the words that occur in text as substrings. text must
// already be lower case.
func matching(text string, words []string) []string {
	hits := []string{}
	for _, w := range words {
		if strings.Contains(text, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

func toPoints(f float64) int { return int(math.Round(f * 100)) }

func fromPoints(p int) float64 { return float64(p) / 100 }
