package provider

import (
	"errors"
	"fmt"
)

// Failure classes shared by gateway clients. Callers branch on them with errors.Is.
var (
	// ErrConfiguration means credentials or key material could not be loaded. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrSignatureVerification means a response or webhook is not provably from the gateway.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrUnknownKeyID means no platform key is registered under the declared key id.
	ErrUnknownKeyID = errors.New("unknown platform key id")

	// ErrDecryption means an encrypted resource failed authentication or was malformed.
	ErrDecryption = errors.New("decryption failed")

	// ErrPayloadParse means authentic bytes could not be decoded into the expected shape.
	ErrPayloadParse = errors.New("payload parse failed")

	// ErrGateway means the gateway answered with a non-2xx status or a business error.
	ErrGateway = errors.New("gateway error")

	// ErrNetwork means the gateway could not be reached or the call was aborted.
	ErrNetwork = errors.New("network error")

	// ErrInvalidRequest means the caller's input was rejected before any network call.
	ErrInvalidRequest = errors.New("invalid request")
)

// GatewayError carries the gateway's own error code and message.
type GatewayError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway error: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is reports whether target is ErrGateway.
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

// Classify names the failure class of err for logs and metric labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrSignatureVerification), errors.Is(err, ErrUnknownKeyID):
		return "signature"
	case errors.Is(err, ErrDecryption):
		return "decryption"
	case errors.Is(err, ErrPayloadParse):
		return "parse"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "internal"
	}
}
