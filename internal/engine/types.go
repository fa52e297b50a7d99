package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Items       *Schema  `json:"items,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ChatRequest is a single non-streaming completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	// Schema, when non-nil, requests JSON output of that shape.
	Schema      *Schema
	Temperature float64
}

// ChatResponse carries the assistant text and token accounting used for
// provenance records.
type ChatResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Tokens is the total token count of the exchange.
func (r ChatResponse) Tokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
