package controlplane

import (
	"errors"
	"fmt"
)

// maxErrorBody bounds how much of a provider response body is kept in an error.
const maxErrorBody = 4 << 10

// ErrProviderUnavailable wraps transport-level failures: the control plane
// could not be reached or the request did not complete.
var ErrProviderUnavailable = errors.New("control plane unavailable")

// ProviderError represents a non-2xx response from the control plane.
type ProviderError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("control plane %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.StatusCode == 404
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
