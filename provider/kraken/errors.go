package kraken

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectError is a failed connection attempt. Retryable errors are worth
// another attempt after backoff; the rest never succeed as configured.
type ConnectError struct {
	Op        string
	URL       string
	Retryable bool
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("kraken: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a connect failure may succeed later. Errors
// that are not a ConnectError are transport failures and are retryable.
func IsRetryable(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return err != nil
}

// APIError is an error string returned by the exchange, shaped like
// "EGeneral:Invalid arguments:depth".
type APIError struct {
	Severity string
	Category string
	Message  string
	Raw      string
}

func ParseAPIError(raw string) *APIError {
	e := &APIError{Raw: raw, Message: raw}

	parts := strings.SplitN(raw, ":", 2)
	if len(parts) == 2 && len(parts[0]) > 1 && (parts[0][0] == 'E' || parts[0][0] == 'W') {
		e.Severity = parts[0][:1]
		e.Category = parts[0][1:]
		e.Message = parts[1]
	}
	return e
}

func (e *APIError) Error() string {
	return "kraken: " + e.Raw
}

func (e *APIError) IsRateLimited() bool {
	return strings.Contains(strings.ToLower(e.Raw), "rate limit")
}

func (e *APIError) IsInvalidPair() bool {
	msg := strings.ToLower(e.Raw)
	return strings.Contains(msg, "currency pair") ||
		strings.Contains(msg, "unknown asset pair") ||
		strings.Contains(msg, "invalid symbol")
}

func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.Category == "Service" || strings.Contains(strings.ToLower(e.Raw), "unavailable")
}

// ProtocolError is a frame that could not be decoded. It never tears down
// the connection.
type ProtocolError struct {
	Reason string
	Frame  string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kraken: protocol: %s: %v", e.Reason, e.Err)
	}
	return "kraken: protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
