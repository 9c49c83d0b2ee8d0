package harvest

import (
	"errors"
	"fmt"
)

// Sentinel errors inspected with errors.Is.
var (
	ErrParse               = errors.New("parse failed")
	ErrRobotsDisallowed    = errors.New("disallowed by robots.txt")
	ErrRequestFailed       = errors.New("request failed")
	ErrPaginationExhausted = errors.New("pagination cap reached")
	ErrConfig              = errors.New("invalid configuration")
)

// ParseError reports an article page whose required fields could not be
// recovered.
type ParseError struct {
	URL   string
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: missing %s", e.URL, e.Field)
}

// Unwrap ties ParseError to ErrParse.
func (e *ParseError) Unwrap() error { return ErrParse }

// BlockedError is returned when robots.txt forbids a URL. No request is issued.
type BlockedError struct {
	URL string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, ErrRobotsDisallowed)
}

// Unwrap ties BlockedError to ErrRobotsDisallowed.
func (e *BlockedError) Unwrap() error { return ErrRobotsDisallowed }

// RequestError is returned once retries are exhausted or a non-retryable
// status is seen.
type RequestError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("request %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("request %s failed after %d attempt(s): status %d", e.URL, e.Attempts, e.StatusCode)
	default:
		return fmt.Sprintf("request %s failed after %d attempt(s)", e.URL, e.Attempts)
	}
}

// Unwrap exposes both ErrRequestFailed and the underlying transport error.
func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequestFailed}
	}
	return []error{ErrRequestFailed, e.Err}
}

// ConfigError reports an invalid configuration value. It is always fatal.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Unwrap ties ConfigError to ErrConfig.
func (e *ConfigError) Unwrap() error { return ErrConfig }
