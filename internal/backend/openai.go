package backend

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is a message in OpenAI-compatible wire format
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains the shape of the model output
type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

// StreamOptions controls extra frames in a streamed response
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest represents the request body for /chat/completions
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseMessage is the assistant message of a choice. Reasoning models
// return their chain of thought in ReasoningContent.
type ResponseMessage struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatResponse represents the response from /chat/completions
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int             `json:"index"`
		Message      ResponseMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
	Error *ErrorBody             `json:"error,omitempty"`
}

// ChatStreamResponse is one SSE frame of a streamed completion
type ChatStreamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int             `json:"index"`
		Delta        ResponseMessage `json:"delta"`
		FinishReason *string         `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage,omitempty"`
	Error *ErrorBody             `json:"error,omitempty"`
}

// ErrorBody is the error object embedded in API responses
type ErrorBody struct {
	// Code is a string on Ark and a number on some gateways
	Code    json.RawMessage `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Delta is one unit of a streamed completion. Usage is only set on the
// final frame when the server reports it.
type Delta struct {
	Content          string
	ReasoningContent string
	Usage            map[string]interface{}
}
