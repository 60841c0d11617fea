// File: internal/classifier/errors.go
package classifier

import "fmt"

// maxErrorBody bounds how much of a failed response is kept on a ServiceError.
const maxErrorBody = 4 << 10

// ServiceError is returned when the classification service answered with a
// non-success status or a body that is not a valid classification result.
type ServiceError struct {
	Status int
	Body   string
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("classification service error: status %d", e.Status)
	}
	return fmt.Sprintf("classification service error: status %d, body: %s", e.Status, e.Body)
}

// TransportError wraps a failure to reach the classification service at all.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("classification service unreachable at %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "...(truncated)"
	}
	return string(body)
}
