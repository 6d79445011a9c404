package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredential is returned when no API key is configured for the provider.
var ErrMissingCredential = errors.New("missing API key")

// NetworkError wraps a transport failure talking to the completion endpoint.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s API request failed: %v", strings.ToUpper(e.Provider), e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError reports a non-success response from the completion endpoint.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error: %d %s", strings.ToUpper(e.Provider), e.Status, e.Body)
}

// missingCredential carries the provider name for the user-visible message.
type missingCredential struct {
	provider string
}

func (e *missingCredential) Error() string {
	return fmt.Sprintf("No %s API key found. Please check your settings.", strings.ToUpper(e.provider))
}

func (e *missingCredential) Is(target error) bool { return target == ErrMissingCredential }

// DisplayText renders a completion failure as chat content.
func DisplayText(err error) string {
	return "Sorry, I encountered an error: " + err.Error()
}
