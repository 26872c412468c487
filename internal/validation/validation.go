// Package validation checks admin API input and reports every failure at once.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxConversationIDLength bounds conversation ids accepted from callers.
const MaxConversationIDLength = 256

// MaxListLimit bounds the page size of outbox listings.
const MaxListLimit = 1000

// OutboxStatuses are the accepted outbox status filters.
var OutboxStatuses = []string{"pending", "processing", "completed", "failed"}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateText rejects invalid UTF-8, null bytes and values longer than max
// runes.
func ValidateText(field, value string, max int) *ValidationError {
	switch {
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	case strings.Contains(value, "\x00"):
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	case utf8.RuneCountInString(value) > max:
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ParseIntRange parses value as an integer within [min, max]. An empty value
// yields def.
func ParseIntRange(field, value string, min, max, def int) (int, *ValidationError) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ValidationError{Field: field, Message: "must be an integer"}
	}
	if n < min || n > max {
		return 0, &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		}
	}
	return n, nil
}

// OutboxListParams is a validated outbox listing request.
type OutboxListParams struct {
	Status string
	Limit  int
}

// ValidateOutboxList validates the status and limit query parameters.
func ValidateOutboxList(status, limit string) (OutboxListParams, []ValidationError) {
	var c Collector
	if status != "" {
		c.Add(ValidateEnum("status", status, OutboxStatuses))
	}
	n, verr := ParseIntRange("limit", limit, 1, MaxListLimit, 100)
	c.Add(verr)
	return OutboxListParams{Status: status, Limit: n}, c.Errors()
}

// ValidateConversationID validates a conversation id path parameter.
func ValidateConversationID(id string) []ValidationError {
	var c Collector
	if verr := ValidateRequired("conversation_id", id); verr != nil {
		c.Add(verr)
		return c.Errors()
	}
	c.Add(ValidateText("conversation_id", id, MaxConversationIDLength))
	return c.Errors()
}
