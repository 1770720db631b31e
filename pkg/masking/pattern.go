package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the secret shapes masked out of error text and
// tracebacks before persistence. Function code running in the sandbox
// receives locked credentials as plain input; a stack trace that echoes
// them must not land in the database verbatim.
var builtinPatterns = map[string]struct {
	pattern     string
	replacement string
}{
	"bearer_token": {
		pattern:     `(?i)bearer\s+[A-Za-z0-9\-_.~+/]+=*`,
		replacement: "Bearer ***MASKED***",
	},
	"api_key_assignment": {
		pattern:     `(?i)(api[_-]?key|apikey|secret|token|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"',;&]{4,}`,
		replacement: "$1$2***MASKED***",
	},
	"aws_access_key": {
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: "***MASKED_AWS_KEY***",
	},
	"private_key_block": {
		pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "***MASKED_PRIVATE_KEY***",
	},
	"basic_auth_url": {
		pattern:     `(?i)(https?://[^:/\s]+):([^@/\s]+)@`,
		replacement: "$1:***MASKED***@",
	},
}

// compileBuiltinPatterns compiles the built-in patterns. Invalid patterns
// are logged and skipped rather than failing startup.
func compileBuiltinPatterns() []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(builtinPatterns))
	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	return out
}
