package models

import (
	"fmt"
	"time"
)

// ChatMessage is one turn of model-visible conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is a single text-generation call: fixed system
// instructions, assembled retrieved context, bounded history and the
// current user query.
type GenerationRequest struct {
	System  string
	Context string
	History []ChatMessage
	Query   string
}

// Chunk is one streamed fragment of a generation. Err, when set, is the
// terminal condition of the stream.
type Chunk struct {
	Delta string
	Err   error
}

// RateLimitError marks a provider-reported rate-limit condition, the
// only failure class that is retried.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited (retry after %s)", e.RetryAfter)
	}
	return "provider rate limited"
}
