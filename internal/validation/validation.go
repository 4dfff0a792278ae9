// Package validation provides input validation helpers and middleware for the tiltguard API.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (4MB; frame batches are larger than typical JSON)
const MaxRequestSize = 4 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// userIDRegex accepts opaque user identifiers issued by the auth collaborator.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is an acceptable user identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Merge concatenates several error lists, skipping empty ones.
func Merge(lists ...ValidationErrors) ValidationErrors {
	var out ValidationErrors
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidUserID checks if a field is a well-formed user ID
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9_-:.]"}
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

// MaxItems caps the number of elements in a list field.
func MaxItems(field string, n, max int) func() *ValidationError {
	return func() *ValidationError {
		if n > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must contain at most %d items", max)}
		}
		return nil
	}
}

// OptionalIntRange checks an optional integer lies in [min, max].
func OptionalIntRange(field string, value *int, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if *value < min || *value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// IntRange checks an integer lies in [min, max].
func IntRange(field string, value, min, max int) func() *ValidationError {
	return OptionalIntRange(field, &value, min, max)
}

// NonNegative rejects negative or non-finite optional numbers.
func NonNegative(field string, value *float64) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if math.IsNaN(*value) || math.IsInf(*value, 0) || *value < 0 {
			return &ValidationError{Field: field, Message: "must be a finite non-negative number"}
		}
		return nil
	}
}

// OneOf checks a string field against an allow list.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(nonEmpty(allowed), ", ")}
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UserParamMiddleware validates the :userId URL parameter on routes that use it.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "userId must be 1-128 characters of [A-Za-z0-9_-:.]",
			})
			return
		}
		c.Next()
	}
}
