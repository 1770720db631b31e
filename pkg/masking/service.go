// Package masking redacts credential material from text that is about to be
// persisted or shown to a model. Pattern matching covers the common token
// shapes; exact-value masking covers locked parameter secrets whose literal
// values are known at dispatch time.
package masking

import "strings"

// Service applies the compiled redaction patterns. Created once at startup,
// thread-safe and stateless aside from the compiled patterns.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in patterns and returns a ready service.
func NewService() *Service {
	return &Service{patterns: compileBuiltinPatterns()}
}

// Mask applies every pattern to the input and returns the redacted text.
func (s *Service) Mask(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range s.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// MaskValues replaces each literal secret value with a placeholder, then
// applies the pattern set. Values shorter than 4 characters are ignored:
// masking "1" would shred unrelated text.
func (s *Service) MaskValues(text string, values []string) string {
	for _, v := range values {
		if len(v) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, v, "***MASKED***")
	}
	return s.Mask(text)
}
