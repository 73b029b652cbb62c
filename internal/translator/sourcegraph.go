package translator

import (
	"encoding/json"
	"log/slog"

	"sgproxy/internal/models"
)

const (
	// DefaultMaxTokens is the ceiling applied to maxTokensToSample.
	DefaultMaxTokens = 4000

	samplingTemperature = 0.2
	samplingDisabled    = -1

	stopReasonEndTurn = "end_turn"
)

var speakerByRole = map[string]string{
	"developer": "system",
	"user":      "human",
}

// TransformMessages maps chat roles onto upstream speakers. Roles without an
// entry in the table pass through unchanged.
func TransformMessages(messages []models.ChatMessage) []models.UpstreamMessage {
	out := make([]models.UpstreamMessage, 0, len(messages))
	for _, msg := range messages {
		slog.Debug("inbound message", "role", msg.Role, "content", msg.Content)

		speaker := msg.Role
		if mapped, ok := speakerByRole[msg.Role]; ok {
			speaker = mapped
		}
		transformed := models.UpstreamMessage{
			Speaker: speaker,
			Text:    msg.Content,
		}

		slog.Debug("upstream message", "speaker", transformed.Speaker, "text", transformed.Text)
		out = append(out, transformed)
	}
	return out
}

// EffectiveMaxTokens bounds the requested token limit to [0, DefaultMaxTokens].
func EffectiveMaxTokens(requested *int) int {
	if requested == nil || *requested >= DefaultMaxTokens {
		return DefaultMaxTokens
	}
	if *requested < 0 {
		return 0
	}
	return *requested
}

// BuildUpstreamRequest assembles the upstream body. Sampling parameters are fixed.
func BuildUpstreamRequest(req models.CompletionRequest) models.UpstreamRequest {
	return models.UpstreamRequest{
		Temperature:       samplingTemperature,
		TopK:              samplingDisabled,
		TopP:              samplingDisabled,
		MaxTokensToSample: EffectiveMaxTokens(req.MaxTokens),
		Model:             req.Model,
		Messages:          TransformMessages(req.Messages),
	}
}

// EventKind tags a decoded upstream stream event.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventDeltaText
	EventEndTurn
)

func (k EventKind) String() string {
	switch k {
	case EventDeltaText:
		return "delta_text"
	case EventEndTurn:
		return "end_turn"
	default:
		return "unrecognized"
	}
}

// Event is one decoded upstream data line.
type Event struct {
	Kind EventKind
	Text string
}

// DecodeEvent parses a data payload. Only invalid JSON is an error; any valid
// value without a known shape is reported as EventUnrecognized.
func DecodeEvent(payload []byte) (Event, error) {
	if !json.Valid(payload) {
		var v any
		return Event{}, json.Unmarshal(payload, &v)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		// valid JSON, but not an object
		return Event{Kind: EventUnrecognized}, nil
	}

	if raw, ok := fields["deltaText"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Event{Kind: EventUnrecognized}, nil
		}
		return Event{Kind: EventDeltaText, Text: text}, nil
	}

	if raw, ok := fields["stopReason"]; ok {
		var reason string
		if err := json.Unmarshal(raw, &reason); err == nil && reason == stopReasonEndTurn {
			return Event{Kind: EventEndTurn}, nil
		}
	}

	return Event{Kind: EventUnrecognized}, nil
}
