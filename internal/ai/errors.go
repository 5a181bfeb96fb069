package ai

import (
	"errors"
	"fmt"
)

// MessageCredentialRequired is shown when no API key is configured.
const MessageCredentialRequired = "API anahtarı gereklidir"

// ConfigError is returned when the responder cannot run with the current
// configuration, typically because no credential is set.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "ai: config: " + e.Message
}

// APIError is a non-success response from the text-generation service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai: API error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// NetworkError wraps a transport failure: DNS, connection, timeout or a
// cancelled context.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "ai: network: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Kind classifies err for logs and metrics: "config", "api", "network" or
// "unknown".
func Kind(err error) string {
	var (
		cfgErr *ConfigError
		apiErr *APIError
		netErr *NetworkError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &apiErr):
		return "api"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "unknown"
	}
}
