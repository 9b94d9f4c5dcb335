package upstream

import "fmt"

// RateLimitError is an upstream 429. Load-balancing across base URLs does not
// cure a per-account quota, so the transport surfaces it without rotating.
type RateLimitError struct {
	Body []byte
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited: %s", truncate(string(e.Body), 200))
}

// AuthError is a 401 that persisted through one token refresh.
type AuthError struct {
	Body []byte
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream rejected credentials: %s", truncate(string(e.Body), 200))
}

// BadGatewayError means every base URL failed with a network error or 5xx.
type BadGatewayError struct {
	Attempts int
	Last     error
}

func (e *BadGatewayError) Error() string {
	return fmt.Sprintf("all %d upstream base URLs failed: %v", e.Attempts, e.Last)
}

func (e *BadGatewayError) Unwrap() error { return e.Last }

// APIError is any other non-2xx upstream status, forwarded as-is.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, truncate(string(e.Body), 200))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
