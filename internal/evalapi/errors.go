package evalapi

import "fmt"

// NetworkError reports a connection-level failure: DNS, timeout or refusal.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TransportError reports a non-2xx response from the evaluation service.
type TransportError struct {
	Status int
	Body   string
	URL    string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("HTTP %d for %s: %s", e.Status, e.URL, e.Body)
}
