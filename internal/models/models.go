package models

// ChatMessage is one inbound conversational turn.
type ChatMessage struct {
	Role    string
	Content string
}

// UpstreamMessage is one turn in the upstream speaker vocabulary.
type UpstreamMessage struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// CompletionRequest is the validated inbound chat completion request.
type CompletionRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens *int
}

// UpstreamRequest is the body sent to the upstream streaming completions endpoint.
type UpstreamRequest struct {
	Temperature       float64           `json:"temperature"`
	TopK              int               `json:"topK"`
	TopP              int               `json:"topP"`
	MaxTokensToSample int               `json:"maxTokensToSample"`
	Model             string            `json:"model"`
	Messages          []UpstreamMessage `json:"messages"`
}

// Model identifies an entry of the upstream model catalog.
type Model struct {
	ID      string
	OwnedBy string
}
