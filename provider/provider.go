package provider

import (
	"context"
	"time"
)

// OrderStatus is the gateway-reported state of an order.
type OrderStatus string

const (
	StatusNotPay  OrderStatus = "NOTPAY"
	StatusSuccess OrderStatus = "SUCCESS"
	StatusClosed  OrderStatus = "CLOSED"
	StatusRefund  OrderStatus = "REFUND"
	StatusRevoked OrderStatus = "REVOKED"
	// StatusUnknown covers states this build does not recognise yet.
	StatusUnknown OrderStatus = "UNKNOWN"
)

// ParseOrderStatus maps a gateway status string onto OrderStatus.
// Unrecognised values become StatusUnknown instead of failing.
func ParseOrderStatus(s string) OrderStatus {
	switch OrderStatus(s) {
	case StatusNotPay, StatusSuccess, StatusClosed, StatusRefund, StatusRevoked:
		return OrderStatus(s)
	default:
		return StatusUnknown
	}
}

// IsFinal reports whether no further transition is expected from the gateway.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusClosed, StatusRevoked, StatusRefund:
		return true
	default:
		return false
	}
}

// CallLog describes one outbound gateway call. Bodies are never recorded.
type CallLog struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Provider   string        `json:"provider"`
	Operation  string        `json:"operation"`
	Method     string        `json:"method"`
	Endpoint   string        `json:"endpoint"`
	OrderID    string        `json:"order_id,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CallLogger records outbound gateway calls. Implementations must be safe for
// concurrent use and must not block the caller for long.
type CallLogger interface {
	LogCall(ctx context.Context, entry CallLog) error
}

// CallLoggers fans one entry out to several loggers, keeping the first error.
type CallLoggers []CallLogger

// LogCall implements CallLogger.
func (ls CallLoggers) LogCall(ctx context.Context, entry CallLog) error {
	var first error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.LogCall(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
