package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// TransientError marks an inference or storage failure that is safe to retry
// (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
}

// IsTransient reports whether err (or anything in its chain) is a
// TransientError or looks like a network-level hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an inference endpoint status code is
// worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 409, 425, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// Retryable decides whether a failed analysis attempt should be scheduled
// again. Schema violations, missing records, cancellations and ledger
// conflicts are final. Everything else is retried, including persistence
// and other infrastructure errors the attempt did not classify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var ve *model.OutputValidationError
	switch {
	case errors.As(err, &ve):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, model.ErrCancelled):
		return false
	case errors.Is(err, model.ErrNotFound):
		return false
	case errors.Is(err, model.ErrLedgerConflict), errors.Is(err, model.ErrInvalidTransition):
		return false
	}
	return true
}
