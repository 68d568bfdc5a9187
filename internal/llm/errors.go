package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 2048

// EndpointError reports a non-success answer from the completion service.
type EndpointError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *EndpointError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s response %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s response %d: %s", e.Provider, e.StatusCode, e.Message)
}

// TransportError reports a failure to reach the completion service at all.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// errorMessage extracts error.message (or a bare error string) from a failed
// response body, falling back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var structured struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &structured); err == nil && structured.Message != "" {
			return structured.Message
		}
		var plain string
		if err := json.Unmarshal(payload.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return truncateBody(body)
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
