package confluence

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from Confluence.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("confluence api error %d at %s: %s", e.StatusCode, e.URL, e.Message)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

func IsForbidden(err error) bool { return statusOf(err) == http.StatusForbidden }

func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }
