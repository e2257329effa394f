package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on API responses. Login tokens
// and link callbacks are sensitive, so responses must never be cached.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
