package auth

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned while no UserResolver has been bound yet, i.e. the
// host application has not finished starting up. Guarded requests fail with
// 503 until Bind is called.
var ErrNotReady = errors.New("identity client not ready")

// ErrNoBotToken is returned by the default resolver when no bot token was
// configured.
var ErrNoBotToken = errors.New("no bot token configured")

// ProviderError represents a non-2xx response from the identity provider.
// Provider failures are never retried; the user-facing recovery path is to
// restart the login flow.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}
