package llm

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is. Providers wrap these
// with call-site detail.
var (
	// ErrNotReady means the provider exists but cannot serve yet (model not
	// pulled, warmup pending). Maps to 503 at the boundary.
	ErrNotReady = errors.New("llm: provider not ready")

	// ErrTimeout means the provider did not answer within its configured
	// deadline.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrConfiguration means the provider cannot work as configured
	// (missing credentials, bad URL). Retrying without operator action is
	// pointless.
	ErrConfiguration = errors.New("llm: provider misconfigured")
)

// ProviderError is a failure reported by a provider's API: non-2xx status,
// malformed payload, or an explicit error object in the response.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm: provider %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("llm: provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderExhaustedError means every eligible provider was tried (or none
// was eligible) and generation could not be served. LastErr carries the
// final failure when at least one provider was invoked.
type ProviderExhaustedError struct {
	LastErr error
}

func (e *ProviderExhaustedError) Error() string {
	if e.LastErr == nil {
		return "llm: no providers available"
	}
	return fmt.Sprintf("llm: all providers exhausted, last error: %v", e.LastErr)
}

func (e *ProviderExhaustedError) Unwrap() error { return e.LastErr }

// errClass buckets an error for the failure counter label.
func errClass(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		var pe *ProviderError
		if errors.As(err, &pe) {
			return "provider_error"
		}
		return "other"
	}
}
