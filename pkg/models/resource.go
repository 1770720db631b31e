package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Ref is a "namespace/name" reference to an agent, function, or skill.
type Ref struct {
	Namespace string
	Name      string
}

// ParseRef splits a "namespace/name" string.
func ParseRef(s string) (Ref, error) {
	ns, name, ok := strings.Cut(s, "/")
	if !ok || ns == "" || name == "" {
		return Ref{}, fmt.Errorf("invalid resource reference %q: want namespace/name", s)
	}
	return Ref{Namespace: ns, Name: name}, nil
}

func (r Ref) String() string { return r.Namespace + "/" + r.Name }

// LockedParameter is a tool argument fixed by agent configuration.
// Locked values are hidden from the LLM and unconditionally applied at
// dispatch; unlocked values appear as overridable defaults.
type LockedParameter struct {
	Value  any  `json:"value"`
	Locked bool `json:"locked"`
}

// Agent is the declarative contract for a conversational workflow.
type Agent struct {
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	LLMProvider string  `json:"llm_provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	EnabledFunctions []string `json:"enabled_functions,omitempty"`
	EnabledAgents    []string `json:"enabled_agents,omitempty"`
	EnabledSkills    []string `json:"enabled_skills,omitempty"`
	EnabledMCPTools  []string `json:"enabled_mcp_tools,omitempty"`

	// FunctionParameters maps a function ref to per-parameter overrides.
	FunctionParameters map[string]map[string]LockedParameter `json:"function_parameters,omitempty"`

	StateNamespacesReadonly  []string `json:"state_namespaces_readonly,omitempty"`
	StateNamespacesReadwrite []string `json:"state_namespaces_readwrite,omitempty"`

	InitialMessages []Message `json:"initial_messages,omitempty"`
}

// Ref returns the agent's namespace/name reference.
func (a *Agent) Ref() string { return a.Namespace + "/" + a.Name }

// StateNamespaces returns all namespaces the agent can at least read.
func (a *Agent) StateNamespaces() []string {
	out := make([]string, 0, len(a.StateNamespacesReadonly)+len(a.StateNamespacesReadwrite))
	out = append(out, a.StateNamespacesReadwrite...)
	out = append(out, a.StateNamespacesReadonly...)
	return out
}

// CanWriteNamespace reports whether the agent has readwrite access to ns.
func (a *Agent) CanWriteNamespace(ns string) bool {
	for _, n := range a.StateNamespacesReadwrite {
		if n == ns {
			return true
		}
	}
	return false
}

// Function is the declarative contract for executable user code.
type Function struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	// Code is the source executed inside the sandbox's language runtime.
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	EnabledNamespaces []string `json:"enabled_namespaces,omitempty"`
	Active            bool     `json:"active"`

	// RequiresApproval gates agent-initiated calls behind human consent.
	RequiresApproval bool `json:"requires_approval"`
	// SharedPool routes trusted functions to the shared worker pool instead
	// of an isolated sandbox.
	SharedPool bool `json:"shared_pool"`
}

// Ref returns the function's namespace/name reference.
func (f *Function) Ref() string { return f.Namespace + "/" + f.Name }

// Skill is reference content an agent can preload or fetch on demand.
type Skill struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	// Preload injects the content into the system prompt instead of
	// exposing a get_skill tool.
	Preload bool `json:"preload"`
}

// Ref returns the skill's namespace/name reference.
func (s *Skill) Ref() string { return s.Namespace + "/" + s.Name }
