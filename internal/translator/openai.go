package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sgproxy/internal/models"
)

// ErrMalformedRequest indicates the inbound body is missing a required field.
var ErrMalformedRequest = errors.New("malformed request")

var errInvalidContent = errors.New("invalid message content")

const (
	chunkObject = "chat.completion.chunk"
	roleAssist  = "assistant"
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Only the fields the upstream understands are kept.
type ChatCompletionRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens *int
	Stream    bool
}

// UnmarshalJSON decodes the request and rejects bodies without model or messages.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model     *string         `json:"model"`
		Messages  []ChatMessage   `json:"messages"`
		MaxTokens json.RawMessage `json:"max_tokens"`
		Stream    bool            `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	if raw.Model == nil {
		return fmt.Errorf("%w: model is required", ErrMalformedRequest)
	}
	if raw.Messages == nil {
		return fmt.Errorf("%w: messages is required", ErrMalformedRequest)
	}

	r.Model = *raw.Model
	r.Messages = raw.Messages
	r.MaxTokens = parseIntegerField(raw.MaxTokens)
	r.Stream = raw.Stream
	return nil
}

// ToModel converts the OpenAI request into the internal representation.
func (r ChatCompletionRequest) ToModel() models.CompletionRequest {
	msgs := make([]models.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.ChatMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return models.CompletionRequest{
		Model:     r.Model,
		Messages:  msgs,
		MaxTokens: r.MaxTokens,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = raw.Role
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// parseIntegerField returns the value only when raw is a JSON integer.
func parseIntegerField(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	num, ok := v.(json.Number)
	if !ok || strings.ContainsAny(num.String(), ".eE") {
		return nil
	}
	i, err := num.Int64()
	if err != nil {
		return nil
	}
	out := int(i)
	return &out
}

// ChatCompletionChunk is a single frame of an OpenAI-compatible streaming response.
type ChatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []ChunkChoice `json:"choices"`
}

// ChunkChoice represents the single choice carried by each chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// Delta holds incremental assistant output. Both fields are optional on the wire.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ChunkHeader carries the fields shared by every chunk of one response stream.
type ChunkHeader struct {
	ID                string
	Model             string
	SystemFingerprint string
}

// ContentChunk builds a chunk carrying an assistant delta with text.
func ContentChunk(h ChunkHeader, createdUnix int64, text string) ChatCompletionChunk {
	return newChunk(h, createdUnix, Delta{Role: roleAssist, Content: &text}, nil)
}

// FinishChunk builds a chunk with an empty delta and the given finish reason.
func FinishChunk(h ChunkHeader, createdUnix int64, reason string) ChatCompletionChunk {
	return newChunk(h, createdUnix, Delta{}, &reason)
}

func newChunk(h ChunkHeader, createdUnix int64, delta Delta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:                h.ID,
		Object:            chunkObject,
		Created:           createdUnix,
		Model:             h.Model,
		SystemFingerprint: h.SystemFingerprint,
		Choices: []ChunkChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finish,
			},
		},
	}
}

// ModelList is the OpenAI-compatible /v1/models response.
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ModelObject describes one model entry.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// FromModels constructs the list response from catalog entries.
func FromModels(createdUnix int64, entries []models.Model) ModelList {
	data := make([]ModelObject, 0, len(entries))
	for _, m := range entries {
		data = append(data, ModelObject{
			ID:      m.ID,
			Object:  "model",
			Created: createdUnix,
			OwnedBy: m.OwnedBy,
		})
	}
	return ModelList{
		Object: "list",
		Data:   data,
	}
}
