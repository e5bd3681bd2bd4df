// Package provider holds what the gateway client and the service share:
// the error taxonomy, order states, amount conversion, the outbound HTTP
// client and the call log.
//
// # Errors
//
// Every failure wraps one sentinel, so callers branch with errors.Is and
// Classify turns an error into a stable label for logs and metrics:
//
//	ErrInvalidRequest         invalid_request
//	ErrConfiguration          configuration
//	ErrSignatureVerification  signature   (also ErrUnknownKeyID)
//	ErrDecryption             decryption
//	ErrPayloadParse           parse
//	ErrGateway                gateway     (*GatewayError carries the details)
//	ErrNetwork                network
//
// A non-2xx reply becomes a *GatewayError:
//
//	var gerr *provider.GatewayError
//	if errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound {
//	    // unknown order
//	}
//
// # Amounts
//
// Callers deal in major units (9.90); the gateway wants minor units (990).
// Amounts are decimal.Decimal values. ToMinorUnits rejects anything with more
// than two decimals instead of rounding it; ToMajorUnits converts back.
//
// # Call logs
//
// The client reports one CallLog per gateway exchange to a CallLogger.
// CallLoggers fans out to several sinks (journal, OpenSearch, metrics) and
// keeps going when one of them fails.
package provider
