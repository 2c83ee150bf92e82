package observability

import (
	"net/http"
	"strings"
)

// SecurityHeadersMiddleware sets the OWASP-recommended response headers.
// Auth responses additionally forbid caching; HSTS is sent only in
// production where TLS terminates in front of the service.
func SecurityHeadersMiddleware(environment string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if environment == "production" {
			headers.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if strings.HasPrefix(r.URL.Path, "/auth") {
			headers.Set("Cache-Control", "no-store, no-cache, must-revalidate")
			headers.Set("Pragma", "no-cache")
		}

		next.ServeHTTP(w, r)
	})
}
