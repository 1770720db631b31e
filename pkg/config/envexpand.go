package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables in YAML content using Go
// template syntax: {{.OPENAI_API_KEY}}. Template syntax is used instead of
// $VAR so literal dollar signs in function code snippets and regexes survive
// untouched. Missing variables expand to the empty string; validation flags
// required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// No template syntax (or broken syntax) — pass through unchanged.
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
