package openai_provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/derekparent/wheelhouse/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// client implements streaming chat completions against the OpenAI API.
type client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type wireDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// New creates a streaming OpenAI client. timeout bounds connection and
// response-header latency; the stream itself lives until the caller
// context ends.
func New(apiKey, baseURL, model string, temperature float64, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}
}

// Stream starts a chat completion and emits content deltas as they
// arrive on the wire.
func (c *client) Stream(ctx context.Context, r models.GenerationRequest) (<-chan models.Chunk, error) {
	system := r.System
	if r.Context != "" {
		system = system + "\n\n" + r.Context
	}
	messages := make([]wireMessage, 0, len(r.History)+2)
	messages = append(messages, wireMessage{Role: "system", Content: system})
	for _, m := range r.History {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, wireMessage{Role: "user", Content: r.Query})

	body, err := json.Marshal(wireRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		return nil, &models.RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	out := make(chan models.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		reader := bufio.NewReaderSize(resp.Body, 64*1024)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				if delta, done, perr := parseEventLine(line); perr != nil {
					emit(ctx, out, models.Chunk{Err: perr})
					return
				} else if done {
					return
				} else if delta != "" {
					if !emit(ctx, out, models.Chunk{Delta: delta}) {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					emit(ctx, out, models.Chunk{Err: fmt.Errorf("provider stream: %w", err)})
				}
				return
			}
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- models.Chunk, c models.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseEventLine(line string) (delta string, done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return "", true, nil
	}
	var d wireDelta
	if uerr := json.Unmarshal([]byte(payload), &d); uerr != nil {
		return "", false, fmt.Errorf("decode stream event: %w", uerr)
	}
	if len(d.Choices) == 0 {
		return "", false, nil
	}
	return d.Choices[0].Delta.Content, false, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
