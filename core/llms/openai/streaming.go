package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/parley-labs/parley-core/core/llms"
)

const (
	url = "https://api.openai.com/v1/chat/completions"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

// Client dispatches chat completions against the OpenAI API.
type Client struct {
	apiKey string
}

func New(apiKey string) *Client {
	return &Client{apiKey: apiKey}
}

func (c *Client) PromptWithStream(_ context.Context, model string, opts ...llms.PromptOption) llms.Stream {
	options := llms.PromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var tools []openAITool
	if options.Tools != nil {
		tools = toOpenAITools(options.Tools)
	}

	return &Stream{
		apiKey:   c.apiKey,
		model:    model,
		tools:    tools,
		messages: toOpenAIMessages(options.Instructions, options.Messages),
	}
}

type Stream struct {
	apiKey string

	model    string
	tools    []openAITool
	messages []message
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		var toolChoice *string
		if s.tools != nil {
			choice := "auto"
			toolChoice = &choice
		}

		reqBody := requestBody{
			Model:      s.model,
			Messages:   s.messages,
			Stream:     true,
			Tools:      s.tools,
			ToolChoice: toolChoice,
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			yield(nil, fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			yield(nil, fmt.Errorf("error creating HTTP request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		client := &http.Client{}
		resp, err := client.Do(req)
		if err != nil {
			yield(nil, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(nil, fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))

			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				// Malformed chunks are skipped silently.
				continue
			}

			if len(responseBody.Choices) == 0 {
				continue
			}
			choice := responseBody.Choices[0]
			finishReason := choice.FinishReason

			for _, delta := range choice.Delta.ToolCalls {
				if !yield(StreamToolCallChunk{
					finishReason: finishReason,
					index:        delta.Index,
					toolCall: llms.ToolCall{
						ID:        delta.ID,
						Type:      delta.Type,
						Name:      delta.Function.Name,
						Arguments: delta.Function.Arguments,
					},
				}, nil) {
					return
				}
			}

			if choice.Delta.Content != "" {
				if !yield(StreamContentChunk{
					finishReason: finishReason,
					content:      choice.Delta.Content,
				}, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("error reading streamed response: %w", err))
			return
		}
	}
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type StreamContentChunk struct {
	finishReason *string
	content      string
}

func (s StreamContentChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamContentChunk) Content() string {
	return s.content
}

type StreamToolCallChunk struct {
	finishReason *string
	index        int
	toolCall     llms.ToolCall
}

func (s StreamToolCallChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamToolCallChunk) Index() int {
	return s.index
}

func (s StreamToolCallChunk) ToolCall() llms.ToolCall {
	return s.toolCall
}
