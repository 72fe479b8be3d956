package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Validation limits for inbound connection signals and broadcast requests.
const (
	MaxConnectionIDLength = 128
	MaxContextLength      = 128
	MaxMetadataEntries    = 32
	MaxMetadataValueLen   = 256

	MinBatchSize  = 1
	MaxBatchSize  = 1000
	MinRetryLimit = 1
	MaxRetryLimit = 10

	// MaxMessageSize bounds inbound websocket frames and signal bodies.
	MaxMessageSize = 64 * 1024
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// identifierRegex matches connection ids and context names: printable, no whitespace.
// API Gateway ids contain '=' so it is allowed.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:=@/-]*$`)

// componentIDRegex is stricter than identifierRegex: component ids name files.
var componentIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateComponentID validates a component id.
func ValidateComponentID(id string) error {
	if err := validateIdentifier("id", id, MaxConnectionIDLength); err != nil {
		return err
	}
	if !componentIDRegex.MatchString(id) {
		return &ValidationError{
			Field:      "id",
			Value:      SanitizeForLogWithLength(id, 32),
			Constraint: "contains invalid characters",
		}
	}
	return nil
}

// ValidateConnectionID validates an opaque connection id.
func ValidateConnectionID(id string) error {
	return validateIdentifier("connectionId", id, MaxConnectionIDLength)
}

// ValidateContext validates a context name. Empty is allowed and means the default context.
func ValidateContext(name string) error {
	if name == "" {
		return nil
	}
	return validateIdentifier("context", name, MaxContextLength)
}

func validateIdentifier(field, value string, maxLen int) error {
	if value == "" {
		return &ValidationError{Field: field, Constraint: "must not be empty"}
	}
	if utf8.RuneCountInString(value) > maxLen {
		return &ValidationError{
			Field:      field,
			Value:      utf8.RuneCountInString(value),
			Constraint: fmt.Sprintf("must be at most %d characters", maxLen),
		}
	}
	if !identifierRegex.MatchString(value) {
		return &ValidationError{
			Field:      field,
			Value:      SanitizeForLogWithLength(value, 32),
			Constraint: "contains invalid characters",
		}
	}
	return nil
}

// ValidateAttributes checks the free-form client metadata bag.
func ValidateAttributes(attrs map[string]string) error {
	if len(attrs) > MaxMetadataEntries {
		return &ValidationError{
			Field:      "clientMetadata",
			Value:      len(attrs),
			Constraint: fmt.Sprintf("must have at most %d entries", MaxMetadataEntries),
		}
	}
	for k, v := range attrs {
		if len(v) > MaxMetadataValueLen {
			return &ValidationError{
				Field:      "clientMetadata." + SanitizeForLogWithLength(k, 32),
				Value:      len(v),
				Constraint: fmt.Sprintf("must be at most %d bytes", MaxMetadataValueLen),
			}
		}
	}
	return nil
}

// ValidateBatchSize validates an explicit broadcast batch size. Zero means default.
func ValidateBatchSize(n int) error {
	if n == 0 {
		return nil
	}
	if n < MinBatchSize || n > MaxBatchSize {
		return &ValidationError{
			Field:      "batchSize",
			Value:      n,
			Constraint: fmt.Sprintf("must be between %d and %d", MinBatchSize, MaxBatchSize),
		}
	}
	return nil
}

// ValidateRetryLimit validates an explicit retry limit. Zero means default.
func ValidateRetryLimit(n int) error {
	if n == 0 {
		return nil
	}
	if n < MinRetryLimit || n > MaxRetryLimit {
		return &ValidationError{
			Field:      "retryLimit",
			Value:      n,
			Constraint: fmt.Sprintf("must be between %d and %d", MinRetryLimit, MaxRetryLimit),
		}
	}
	return nil
}
