package transport

import "net/http"

// InFlightLimit returns middleware that caps the number of requests
// being served at once. Requests beyond the cap are rejected immediately
// with 429 rather than queued, so a slow backend cannot pile up
// goroutines in the gateway. A max of zero or less disables the cap.
func InFlightLimit(max int) Middleware {
	if max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	sem := make(chan struct{}, max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				WriteError(w, http.StatusTooManyRequests, "rate_limit_error", "server is at capacity")
			}
		})
	}
}
