package reasoner

import (
	"context"
	"time"
)

// Backend is a chat completion service.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Chat generates a response from a sequence of messages.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Role defines message roles in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ChatRequest for chat completions.
type ChatRequest struct {
	Messages []Message

	// Model overrides the backend's default model.
	Model string

	// MaxTokens limits the response length; zero uses the backend default.
	MaxTokens int

	// Temperature controls randomness; zero uses the backend default.
	Temperature float64

	// JSON asks the backend to answer with a JSON object.
	JSON bool
}

// ChatResponse from a chat completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	Latency      time.Duration
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
