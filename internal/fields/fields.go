// Package fields pulls bill-of-lading numbers, amounts and payment
// references out of free-form email and attachment text.
package fields

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// number accepts 1234.5 and 1,234.50.
const number = `[0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]{1,2})?|[0-9]+(?:\.[0-9]{1,2})?`

var (
	// NYC22062889
	letterPrefixBL = regexp.MustCompile(`\b[A-Z]{3}\d{6,}\b`)

	// BL12345, BL-12345, bl 12345
	blPrefixBL = regexp.MustCompile(`(?i)\bBL[ -]?[0-9]{4,}\b`)

	// "B/L No: 123456", "Bill of Lading: 123456"
	labelledBL   = regexp.MustCompile(`(?i)(?:B/L|Bill of Lading)[^\d]{0,10}(\d{4,})`)
	bareDigitsBL = regexp.MustCompile(`\b\d{6,}\b`)

	// Tried in order, first match wins.
	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$\s?(` + number + `)`),
		regexp.MustCompile(`USD\s*(` + number + `)`),
		regexp.MustCompile(`Amount[:：]?\s*\$?(` + number + `)`),
		regexp.MustCompile(`Paid[:：]?\s*\$?(` + number + `)`),
	}

	referencePattern = regexp.MustCompile(`Ref[:\s]*([A-Za-z0-9]+)`)
	amountToken      = regexp.MustCompile(number)
)

// PaymentData is what the field extractor found in one block of text.
type PaymentData struct {
	Amount          decimal.NullDecimal
	ReferenceNumber string
	BLNumbers       []string
}

// ExtractPaymentData runs every extractor over text.
func ExtractPaymentData(text string) PaymentData {
	return PaymentData{
		Amount:          ExtractAmount(text),
		ReferenceNumber: ExtractReference(text),
		BLNumbers:       ExtractBLNumbers(text),
	}
}

// ExtractBLNumbers returns the sorted, de-duplicated union of every BL
// pattern family found in text.
func ExtractBLNumbers(text string) []string {
	set := make(map[string]struct{})
	for _, m := range letterPrefixBL.FindAllString(text, -1) {
		set[m] = struct{}{}
	}
	for _, m := range blPrefixBL.FindAllString(text, -1) {
		set[m] = struct{}{}
	}
	for _, m := range labelledBL.FindAllStringSubmatch(text, -1) {
		set[m[1]] = struct{}{}
	}
	for _, m := range bareDigitsBL.FindAllString(text, -1) {
		set[m] = struct{}{}
	}
	return sortedKeys(set)
}

// ExtractAmount returns the first currency amount found in text.
func ExtractAmount(text string) decimal.NullDecimal {
	for _, re := range amountPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "")); err == nil {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

func ExtractReference(text string) string {
	if m := referencePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// ParseAmount reads a model-declared paid amount such as "$1,234.50" or
// "USD 200". The text must hold exactly one number; "200 + 50" or "1.2.3"
// yield an invalid NullDecimal rather than a guess.
func ParseAmount(raw string) decimal.NullDecimal {
	nums := amountToken.FindAllString(raw, -1)
	if len(nums) != 1 {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(nums[0], ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// MergeBLs unions the claimed BLs with those found by pattern in each
// source text, then keeps only the ones exists reports as known. The
// result is sorted. exists errors are returned as-is.
func MergeBLs(claimed []string, sources []string, exists func(bl string) (bool, error)) ([]string, error) {
	candidates := make(map[string]struct{})
	for _, bl := range claimed {
		bl = strings.TrimSpace(bl)
		if bl != "" {
			candidates[bl] = struct{}{}
		}
	}
	for _, src := range sources {
		for _, bl := range ExtractBLNumbers(src) {
			candidates[bl] = struct{}{}
		}
	}

	known := make(map[string]struct{}, len(candidates))
	for _, bl := range sortedKeys(candidates) {
		ok, err := exists(bl)
		if err != nil {
			return nil, err
		}
		if ok {
			known[bl] = struct{}{}
		}
	}
	return sortedKeys(known), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
