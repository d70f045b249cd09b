// Package validation provides input validation helpers and middleware for
// the HTTP API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	currencyRegex = regexp.MustCompile(`^[a-zA-Z]{3}$`)
	// record IDs are a short prefix followed by a dashless UUID
	recordIDRegex = regexp.MustCompile(`^[a-z]{2,4}_[a-f0-9]{32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks for a three-letter ISO 4217 code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidRecordID checks that id looks like a generated record ID with the
// given prefix (e.g. "txn_").
func IsValidRecordID(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && recordIDRegex.MatchString(id)
}

// SanitizeString trims, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Currency checks for an ISO 4217 code. Empty values pass; use Required.
func Currency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter ISO 4217 currency code"}
		}
		return nil
	}
}

// Percentage checks that value is within [0, 100].
func Percentage(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// OptionalPercentage is Percentage for an optional value.
func OptionalPercentage(field string, value *int) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		return Percentage(field, *value)()
	}
}

// IDParamMiddleware rejects malformed :param record IDs early.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidRecordID(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a valid " + strings.TrimSuffix(prefix, "_") + " identifier",
			})
			return
		}
		c.Next()
	}
}
