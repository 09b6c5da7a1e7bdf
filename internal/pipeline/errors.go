package pipeline

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/iqstrade/payinbox/internal/circuitbreaker"
)

var (
	// ErrTransientIO marks mailbox, network or provider unavailability. The
	// batch is abandoned and retried on the next tick.
	ErrTransientIO = errors.New("transient I/O failure")

	ErrExtractionAmbiguity = errors.New("no text recoverable from email")
	ErrUnderpayment        = errors.New("payment below expected amount")
	ErrClassificationParse = errors.New("model response is not valid JSON")

	// ErrDuplicateMessage is logged for a re-fetched message. It is never
	// returned; a duplicate is a successful no-op.
	ErrDuplicateMessage = errors.New("message already ingested")
)

// IsTransient reports whether err is worth retrying on a later run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientIO) ||
		errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout")
}
