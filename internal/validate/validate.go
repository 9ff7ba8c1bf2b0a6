// Package validate holds the request validation rules shared by the HTTP
// handlers and the socket gateway. Rules run before any coordinator work.
package validate

import (
	"fmt"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
)

const (
	DescriptionMin         = 10
	DescriptionMax         = 10000
	DescriptionMaxEnhanced = 15000
	InstructionMin         = 5
)

// Providers lists the accepted provider names.
var Providers = map[string]bool{
	"anthropic":  true,
	"openai":     true,
	"openrouter": true,
	"scripted":   true,
}

// Description checks a project description against the standard bounds.
func Description(s string) *apperr.Error {
	return boundedString("description", s, DescriptionMin, DescriptionMax)
}

// EnhancedDescription allows the longer bound used by enhanced variants.
func EnhancedDescription(s string) *apperr.Error {
	return boundedString("description", s, DescriptionMin, DescriptionMaxEnhanced)
}

// Instruction checks a continuation instruction.
func Instruction(s string) *apperr.Error {
	if len(s) < InstructionMin {
		return fieldError("instruction", fmt.Sprintf("must be at least %d characters", InstructionMin))
	}
	return nil
}

// Provider checks an optional provider name.
func Provider(s string) *apperr.Error {
	if s == "" || Providers[s] {
		return nil
	}
	return fieldError("provider", "unknown provider")
}

// Mode checks an optional mode string.
func Mode(s string) *apperr.Error {
	switch s {
	case "", "PLAN", "ACT", "plan", "act":
		return nil
	}
	return fieldError("mode", "must be PLAN or ACT")
}

// Content checks a chat message body.
func Content(s string) *apperr.Error {
	if s == "" {
		return fieldError("content", "is required")
	}
	return nil
}

func boundedString(field, s string, min, max int) *apperr.Error {
	switch {
	case len(s) < min:
		return fieldError(field, fmt.Sprintf("must be at least %d characters", min))
	case len(s) > max:
		return fieldError(field, fmt.Sprintf("must be at most %d characters", max))
	}
	return nil
}

func fieldError(field, msg string) *apperr.Error {
	return apperr.Validation(field+" "+msg, field)
}
