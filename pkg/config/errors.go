package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrLLMProviderNotFound indicates the LLM provider was not found in the registry
	ErrLLMProviderNotFound = errors.New("LLM provider not found")

	// ErrLLMProviderInactive indicates the LLM provider exists but is disabled
	ErrLLMProviderInactive = errors.New("LLM provider is inactive")

	// ErrMCPServerNotFound indicates the MCP server was not found in the registry
	ErrMCPServerNotFound = errors.New("MCP server not found")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError carries the location of a bad configuration value.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}
