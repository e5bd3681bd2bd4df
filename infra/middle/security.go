package middle

import (
	"net/http"
	"slices"
	"strings"

	"github.com/mstgnz/nativepay/infra/response"
)

// maxRequestBytes caps every inbound body; notifications have their own smaller limit.
const maxRequestBytes = 1 << 20

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")

			next.ServeHTTP(w, r)
		})
	}
}

// IPAllowlistMiddleware restricts access to the listed client IPs. An empty
// list allows everyone.
func IPAllowlistMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 && !slices.Contains(allowed, GetClientIP(r)) {
				response.Error(w, http.StatusForbidden, "IP not allowed", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestValidationMiddleware requires JSON bodies on writes and rejects
// oversized requests before they are read.
func RequestValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				contentType := r.Header.Get("Content-Type")
				hasBody := r.ContentLength != 0
				switch {
				case contentType == "" && hasBody:
					response.Error(w, http.StatusBadRequest, "Content-Type header is required", nil)
					return
				case contentType != "" && !strings.Contains(contentType, "application/json"):
					response.Error(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
					return
				}
			}

			if r.ContentLength > maxRequestBytes {
				response.Error(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}
