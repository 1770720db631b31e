package llm

import (
	"fmt"
	"strings"

	"github.com/stratumhq/stratum/pkg/models"
)

// Accumulator assembles a streamed completion: content deltas concatenate,
// tool-call fragments merge into complete calls. Fragments are keyed by tool
// call id when present; a positional index is only a hint for resolving
// fragments that arrive without an id.
type Accumulator struct {
	content strings.Builder
	finish  string
	usage   Usage

	order    []string
	calls    map[string]*models.ToolCall
	indexKey map[int]string
	lastKey  string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		calls:    make(map[string]*models.ToolCall),
		indexKey: make(map[int]string),
	}
}

// Add folds one chunk in.
func (a *Accumulator) Add(chunk Chunk) {
	if chunk.Content != "" {
		a.content.WriteString(chunk.Content)
	}
	if chunk.FinishReason != "" {
		a.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	if chunk.ToolCall != nil {
		a.addToolDelta(chunk.ToolCall)
	}
}

func (a *Accumulator) addToolDelta(d *ToolCallDelta) {
	key := a.resolveKey(d)
	call, ok := a.calls[key]
	if !ok {
		call = &models.ToolCall{}
		a.calls[key] = call
		a.order = append(a.order, key)
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" {
		call.Name = d.Name
	}
	call.Arguments += d.Arguments
	a.lastKey = key
}

// resolveKey prefers the tool call id; fragments carrying only an index bind
// to whatever id that index was first seen with; fragments with neither
// continue the most recent call.
func (a *Accumulator) resolveKey(d *ToolCallDelta) string {
	if d.ID != "" {
		if d.Index != nil {
			a.indexKey[*d.Index] = d.ID
		}
		return d.ID
	}
	if d.Index != nil {
		if key, ok := a.indexKey[*d.Index]; ok {
			return key
		}
		key := fmt.Sprintf("index-%d", *d.Index)
		a.indexKey[*d.Index] = key
		return key
	}
	if a.lastKey != "" {
		return a.lastKey
	}
	return "index-0"
}

// Content returns the accumulated assistant text.
func (a *Accumulator) Content() string { return a.content.String() }

// FinishReason returns the last finish reason seen.
func (a *Accumulator) FinishReason() string { return a.finish }

// Usage returns the accumulated token usage.
func (a *Accumulator) Usage() Usage { return a.usage }

// ToolCalls returns the assembled calls in arrival order, dropping slots
// that never received a name.
func (a *Accumulator) ToolCalls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		call := a.calls[key]
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = key
		}
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		out = append(out, *call)
	}
	return out
}
