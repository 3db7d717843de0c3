package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jinzhu/copier"
	"github.com/parley-labs/parley-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Prompt performs one non-streaming completion and returns the assistant
// message, tool calls included.
func (c *Client) Prompt(ctx context.Context, model string, opts ...llms.PromptOption) (llms.Message, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", model))

	options := llms.PromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var tools []Tool
	var toolChoice *string
	if options.Tools != nil {
		copier.Copy(&tools, options.Tools)
		choice := "auto"
		toolChoice = &choice
	}

	reqBody := requestBody{
		Model:      model,
		Messages:   toMessages(options.Instructions, options.Messages),
		Stream:     false,
		Tools:      tools,
		ToolChoice: toolChoice,
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return llms.Message{}, fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return llms.Message{}, fmt.Errorf("error creating HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llms.Message{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("non-OK HTTP status: %s: %s", resp.Status, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llms.Message{}, err
	}

	var responseBody struct {
		Choices []struct {
			Message struct {
				Role      string     `json:"role"`
				Content   string     `json:"content"`
				ToolCalls []toolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *responseBodyUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&responseBody); err != nil {
		return llms.Message{}, fmt.Errorf("error unmarshalling JSON: %w", err)
	}

	if len(responseBody.Choices) == 0 {
		return llms.Message{}, fmt.Errorf("no choices returned")
	}

	choice := responseBody.Choices[0].Message
	result := llms.Message{
		Role:    llms.MessageRoleAssistant,
		Content: choice.Content,
	}
	for _, call := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llms.ToolCall{
			ID:        call.ID,
			Type:      call.Type,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if responseBody.Usage != nil {
		span.SetAttributes(attribute.Int("usage.total", responseBody.Usage.TotalTokens))
	}
	return result, nil
}
