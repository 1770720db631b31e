// Package relay carries streaming chunks from agent workers across process
// boundaries to the HTTP/SSE endpoint holding the client socket. Envelopes
// travel over the broker's pub/sub on the stream:<channel_id> channel.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stratumhq/stratum/pkg/broker"
)

// EnvelopeType tags one streamed chunk.
type EnvelopeType string

// Envelope type constants. A done or error envelope is terminal: the
// subscriber closes after observing one.
const (
	EnvelopeContent          EnvelopeType = "content"
	EnvelopeToolCallDelta    EnvelopeType = "tool_call_delta"
	EnvelopeApprovalRequired EnvelopeType = "approval_required"
	EnvelopeToolRejected     EnvelopeType = "tool_rejected"
	EnvelopeDone             EnvelopeType = "done"
	EnvelopeError            EnvelopeType = "error"
)

// Envelope is one typed chunk on a stream channel. Ordering within a channel
// is monotonic and preserves the LLM's emission order.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// Delta carries token text for content envelopes.
	Delta string `json:"delta,omitempty"`

	// Tool call fields for tool_call_delta, approval_required, and
	// tool_rejected envelopes.
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	FunctionRef string          `json:"function_ref,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	ApprovalID  string          `json:"approval_id,omitempty"`

	// Error carries the message for error envelopes.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether this envelope ends the stream.
func (e *Envelope) Terminal() bool {
	return e.Type == EnvelopeDone || e.Type == EnvelopeError
}

// Relay publishes and subscribes stream envelopes.
type Relay struct {
	broker broker.Broker
	logger *slog.Logger
}

// New creates a relay on the given broker.
func New(b broker.Broker) *Relay {
	return &Relay{
		broker: b,
		logger: slog.With("component", "stream_relay"),
	}
}

// Publish sends one envelope. Errors are returned for logging but a relay
// failure never fails the producing job: the execution has already happened.
func (r *Relay) Publish(ctx context.Context, channelID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode stream envelope: %w", err)
	}
	if err := r.broker.Publish(ctx, broker.StreamChannel(channelID), payload); err != nil {
		return fmt.Errorf("failed to publish stream envelope: %w", err)
	}
	return nil
}

// PublishContent streams a token text delta.
func (r *Relay) PublishContent(ctx context.Context, channelID, delta string) {
	r.publish(ctx, channelID, Envelope{Type: EnvelopeContent, Delta: delta})
}

// PublishToolCallDelta tells clients a tool is being invoked.
func (r *Relay) PublishToolCallDelta(ctx context.Context, channelID, toolCallID, toolName string) {
	r.publish(ctx, channelID, Envelope{
		Type:       EnvelopeToolCallDelta,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	})
}

// PublishApprovalRequired announces a parked privileged tool call.
func (r *Relay) PublishApprovalRequired(ctx context.Context, channelID, approvalID, toolCallID, functionRef string, arguments json.RawMessage) {
	r.publish(ctx, channelID, Envelope{
		Type:        EnvelopeApprovalRequired,
		ApprovalID:  approvalID,
		ToolCallID:  toolCallID,
		FunctionRef: functionRef,
		Arguments:   arguments,
	})
}

// PublishToolRejected reports a human-rejected tool call.
func (r *Relay) PublishToolRejected(ctx context.Context, channelID, toolCallID string) {
	r.publish(ctx, channelID, Envelope{Type: EnvelopeToolRejected, ToolCallID: toolCallID})
}

// PublishDone terminates the stream normally.
func (r *Relay) PublishDone(ctx context.Context, channelID string) {
	r.publish(ctx, channelID, Envelope{Type: EnvelopeDone})
}

// PublishError terminates the stream with an error.
func (r *Relay) PublishError(ctx context.Context, channelID, msg string) {
	r.publish(ctx, channelID, Envelope{Type: EnvelopeError, Error: msg})
}

func (r *Relay) publish(ctx context.Context, channelID string, env Envelope) {
	if channelID == "" {
		return // blocking callers have no stream
	}
	if err := r.Publish(ctx, channelID, env); err != nil {
		r.logger.Warn("Stream publish failed", "channel_id", channelID, "type", env.Type, "error", err)
	}
}

// Subscribe opens a stream and decodes envelopes until a terminal one
// arrives, the context is cancelled, or the subscription closes. The
// returned channel is closed after the terminal envelope is delivered;
// cancel releases the subscription early (a dropped SSE client does not
// cancel the producing job).
func (r *Relay) Subscribe(ctx context.Context, channelID string) (<-chan Envelope, func(), error) {
	sub, err := r.broker.Subscribe(ctx, broker.StreamChannel(channelID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to stream %s: %w", channelID, err)
	}

	out := make(chan Envelope, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(payload, &env); err != nil {
					r.logger.Warn("Dropping undecodable stream envelope",
						"channel_id", channelID, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
				if env.Terminal() {
					return
				}
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
