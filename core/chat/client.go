package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parley-labs/parley-core/core/bus"
	"github.com/parley-labs/parley-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultSessionID = "default"

var errCancelledByToken = errors.New("request cancelled by token")

// Client is the streaming chat node: it owns per-session conversation
// state, dispatches to a routed model provider, streams and segments text,
// and executes or forwards tool calls.
type Client struct {
	name string
	emit func(port string, event bus.Event) error

	systemPrompt  string
	anchorContext string
	routeKey      string

	maxExchanges    int
	segmentMaxWords int
	streaming       bool
	requestTimeout  time.Duration

	tools        []llms.Tool
	executeLocal bool

	router   router
	sessions *sessionStore
	registry *Registry
	status   *bus.StatusEmitter

	startupErr error
}

type Option func(*Client)

func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithAnchorContextFile loads a static context file once at startup and
// prefixes it to the system prompt of every session.
func WithAnchorContextFile(path string) Option {
	return func(c *Client) {
		content, err := os.ReadFile(path)
		if err != nil {
			// Surfaced by New: a missing anchor file is a startup error.
			c.anchorContext = ""
			c.startupErr = errors.Join(c.startupErr, fmt.Errorf("failed to load anchor context: %w", err))
			return
		}
		c.anchorContext = strings.TrimSpace(string(content))
	}
}

func WithMaxExchanges(n int) Option {
	return func(c *Client) { c.maxExchanges = n }
}

func WithSegmentMaxWords(n int) Option {
	return func(c *Client) { c.segmentMaxWords = n }
}

func WithStreaming(enabled bool) Option {
	return func(c *Client) { c.streaming = enabled }
}

// WithRequestTimeout bounds each model call with a wall-clock deadline that
// races completion and cancellation. Zero disables the timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.requestTimeout = timeout }
}

// WithLocalTools attaches tools the client executes itself, re-looping the
// model call until a plain answer arrives.
func WithLocalTools(tools ...llms.Tool) Option {
	return func(c *Client) {
		c.tools = append(c.tools, tools...)
		c.executeLocal = true
	}
}

// WithDelegatedTools attaches tool definitions whose execution is delegated
// downstream: calls are forwarded on the tool_calls port and the turn halts
// until tool_results arrive.
func WithDelegatedTools(tools ...llms.Tool) Option {
	return func(c *Client) {
		c.tools = append(c.tools, tools...)
		c.executeLocal = false
	}
}

func WithProvider(name string, provider Provider) Option {
	return func(c *Client) {
		if c.router.providers == nil {
			c.router.providers = map[string]Provider{}
		}
		c.router.providers[name] = provider
	}
}

// WithRoutes installs the static route table and the fallback route key.
func WithRoutes(routes map[string]Route, fallback string) Option {
	return func(c *Client) {
		c.router.routes = routes
		c.router.fallback = fallback
	}
}

// WithRouteKey selects which route this client dispatches through. Defaults
// to the client's node name.
func WithRouteKey(key string) Option {
	return func(c *Client) { c.routeKey = key }
}

func New(name string, emit func(port string, event bus.Event) error, opts ...Option) (*Client, error) {
	c := &Client{
		name:            name,
		emit:            emit,
		maxExchanges:    10,
		segmentMaxWords: defaultMaxSegmentWords,
		streaming:       true,
		sessions:        newSessionStore(),
		registry:        NewRegistry(),
	}
	c.routeKey = name
	c.status = bus.NewStatusEmitter(emit)

	for _, opt := range opts {
		opt(c)
	}

	if c.startupErr != nil {
		return nil, c.startupErr
	}
	return c, nil
}

// HandleEvent consumes one bus event. The bus guarantees it is never called
// concurrently for the same node.
func (c *Client) HandleEvent(ctx context.Context, port string, event bus.Event) {
	switch port {
	case bus.PortText:
		c.handleText(ctx, event)
	case bus.PortControl:
		c.handleControl(ctx, event)
	case bus.PortToolResults:
		c.handleToolResults(ctx, event)
	default:
		c.logf(bus.LevelWarning, "event on unknown port %q dropped (session=%s payload=%q)",
			port, event.Metadata.Value(bus.KeySessionID), event.Payload)
	}
}

func (c *Client) handleText(ctx context.Context, event bus.Event) {
	sessionID := c.sessionID(event)
	c.sessions.get(sessionID, c.effectiveSystemPrompt())

	if event.Metadata.Value(bus.KeyRole) == string(llms.MessageRoleAssistant) {
		// Injected context: cache into history, no model call.
		c.sessions.append(sessionID, llms.Message{
			Role:    llms.MessageRoleAssistant,
			Content: event.Payload,
		})
		c.sessions.trim(sessionID, c.maxExchanges)
		return
	}

	questionID := event.Metadata.Value(bus.KeyQuestionID)
	go c.runTurn(ctx, sessionID, questionID, event.Payload)
}

func (c *Client) handleControl(ctx context.Context, event bus.Event) {
	payload, err := bus.ParseControl(event.Payload)
	if err != nil {
		c.logf(bus.LevelWarning, "control parse failed (node=%s payload=%q): %v", c.name, event.Payload, err)
		return
	}

	switch payload.Command {
	case bus.CommandResume:
		c.setStatus("resume")
		sessionID := c.sessionID(event)
		c.sessions.get(sessionID, c.effectiveSystemPrompt())
		if payload.QuestionID != "" {
			// Ack the dispatch before any model work so the controller can
			// release its single-flight gate.
			c.send(bus.PortSessionStart, bus.NewEvent(payload.QuestionID,
				bus.KeyQuestionID, payload.QuestionID,
				bus.KeyParticipant, c.name,
			))
		}
		go c.runTurn(ctx, sessionID, payload.QuestionID, payload.Prompt)

	case bus.CommandCancel:
		cancelled := c.registry.CancelAll()
		c.logf(bus.LevelInfo, "cancelled %d in-flight request(s)", cancelled)
		c.setStatus("cancelled")

	case bus.CommandReset:
		c.registry.CancelAll()
		c.sessions.reset()
		c.setStatus("reset")

	case bus.CommandReady:
		c.setStatus("waiting")

	case bus.CommandStats:
		c.logf(bus.LevelInfo, "sessions=%d in-flight=%d", len(c.sessions.ids()), c.registry.Len())

	case bus.CommandExit:
		c.registry.CancelAll()
		c.logf(bus.LevelInfo, "exit requested")

	default:
		c.logf(bus.LevelWarning, "unknown control command %q", payload.Command)
	}
}

type toolResult struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Response string `json:"response"`
}

func (c *Client) handleToolResults(ctx context.Context, event bus.Event) {
	sessionID := c.sessionID(event)

	var results []toolResult
	if err := json.Unmarshal([]byte(event.Payload), &results); err != nil {
		c.logf(bus.LevelWarning, "tool results parse failed (session=%s payload=%q): %v", sessionID, event.Payload, err)
		return
	}

	var messages []llms.Message
	for _, result := range results {
		messages = append(messages, llms.Message{
			Role:       llms.MessageRoleTool,
			Content:    result.Response,
			ToolCallID: result.ID,
		})
	}
	c.sessions.append(sessionID, messages...)

	questionID := event.Metadata.Value(bus.KeyQuestionID)
	go c.runTurn(ctx, sessionID, questionID, "")
}

// runTurn performs one logical turn: dispatch the model, stream segments,
// execute or forward tool calls, and close the message. It runs on its own
// goroutine, one per in-flight request.
func (c *Client) runTurn(ctx context.Context, sessionID, questionID, userText string) {
	ctx, span := tracer.Start(ctx, "run chat turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("question.id", questionID),
	)

	c.sessions.get(sessionID, c.effectiveSystemPrompt())
	if userText != "" {
		c.sessions.append(sessionID, llms.Message{Role: llms.MessageRoleUser, Content: userText})
		c.sessions.trim(sessionID, c.maxExchanges)
	}
	c.setStatus("processing")

	for {
		provider, model, err := c.router.resolve(c.routeKey)
		if err != nil {
			err = fmt.Errorf("route resolution failed: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logf(bus.LevelError, "%v", err)
			c.forwardFailure(sessionID, questionID, bus.StatusError, err, 0)
			return
		}

		systemPrompt, history := c.sessions.history(sessionID)
		opts := []llms.PromptOption{
			llms.WithSystemPrompt(systemPrompt),
			llms.WithMessages(history...),
		}
		if len(c.tools) > 0 {
			opts = append(opts, llms.WithTools(c.tools...))
		}

		var content string
		var toolCalls []llms.ToolCall
		var segmentsSent int
		if c.streaming {
			content, toolCalls, segmentsSent, err = c.streamOnce(ctx, provider, model, sessionID, questionID, opts)
		} else {
			var response llms.Message
			response, err = provider.Prompt(ctx, model, opts...)
			content, toolCalls = response.Content, response.ToolCalls
		}

		if err != nil {
			classification := c.classify(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.forwardFailure(sessionID, questionID, classification, err, segmentsSent)
			return
		}

		if len(toolCalls) > 0 {
			c.sessions.append(sessionID, llms.Message{
				Role:      llms.MessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})

			if !c.executeLocal {
				c.forwardToolCalls(sessionID, questionID, toolCalls)
				c.setStatus("forwarded")
				return
			}

			c.executeToolCalls(ctx, sessionID, toolCalls)
			// Re-loop immediately: the post-tool answer completes in the
			// same logical turn.
			continue
		}

		c.sessions.append(sessionID, llms.Message{Role: llms.MessageRoleAssistant, Content: content})
		c.sessions.trim(sessionID, c.maxExchanges)

		if c.streaming {
			c.emitText(sessionID, questionID, "", bus.StatusEnded, segmentsSent)
		} else {
			event := bus.NewEvent(content,
				bus.KeySessionStatus, bus.StatusComplete,
				bus.KeyQuestionID, questionID,
				bus.KeySessionID, sessionID,
				bus.KeyIsComplete, "true",
				bus.KeyParticipant, c.name,
			)
			c.send(bus.PortText, event)
		}
		c.setStatus("complete")
		return
	}
}

// streamOnce runs a single streaming model call, emitting segments as they
// become complete. It returns the full content, assembled tool calls, and
// how many segments were emitted.
func (c *Client) streamOnce(
	ctx context.Context,
	provider Provider,
	model string,
	sessionID, questionID string,
	opts []llms.PromptOption,
) (string, []llms.ToolCall, int, error) {
	requestID := uuid.NewString()
	token := c.registry.Register(requestID, sessionID)
	defer c.registry.Release(requestID)

	reqCtx := ctx
	var cancelTimeout context.CancelFunc
	if c.requestTimeout > 0 {
		reqCtx, cancelTimeout = context.WithTimeout(reqCtx, c.requestTimeout)
		defer cancelTimeout()
	}
	reqCtx, cancelReq := context.WithCancel(reqCtx)
	defer cancelReq()

	// The token races the network wait; triggering it unwinds the HTTP read
	// through context cancellation without force-killing the task.
	go func() {
		select {
		case <-token.Done():
			cancelReq()
		case <-reqCtx.Done():
		}
	}()

	seg := newSegmenter(c.segmentMaxWords)
	acc := newToolCallAccumulator()
	var content strings.Builder
	segmentsSent := 0

	stream := provider.PromptWithStream(reqCtx, model, opts...)
	for chunk, err := range stream.Chunks(reqCtx) {
		if err != nil {
			if token.Cancelled() {
				return content.String(), nil, segmentsSent, errCancelledByToken
			}
			return content.String(), nil, segmentsSent, err
		}

		if token.Cancelled() {
			return content.String(), nil, segmentsSent, errCancelledByToken
		}

		switch chunk := chunk.(type) {
		case llms.StreamContentChunk:
			content.WriteString(chunk.Content())
			for _, segment := range seg.Push(chunk.Content()) {
				c.emitText(sessionID, questionID, segment, c.segmentStatus(segmentsSent), segmentsSent)
				segmentsSent++
			}

		case llms.StreamToolCallChunk:
			acc.Add(chunk.Index(), chunk.ToolCall())

		case llms.StreamUsageChunk:
			c.sessions.addTokens(sessionID, chunk.Usage().TotalTokens)
		}
	}

	if remainder := seg.Flush(); remainder != "" {
		c.emitText(sessionID, questionID, remainder, c.segmentStatus(segmentsSent), segmentsSent)
		segmentsSent++
	}

	return content.String(), acc.Materialize(), segmentsSent, nil
}

func (c *Client) executeToolCalls(ctx context.Context, sessionID string, calls []llms.ToolCall) {
	for _, call := range calls {
		response, err := c.executeTool(ctx, call)
		if err != nil {
			c.logf(bus.LevelWarning, "tool %q failed (session=%s): %v", call.Name, sessionID, err)
			response = "Error: " + err.Error()
		}
		c.sessions.append(sessionID, llms.Message{
			Role:       llms.MessageRoleTool,
			Content:    response,
			ToolCallID: call.ID,
		})
	}
}

func (c *Client) executeTool(ctx context.Context, call llms.ToolCall) (string, error) {
	_, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	for _, tool := range c.tools {
		if tool.Function.Name != call.Name {
			continue
		}
		response, err := tool.Execute(call.Arguments)
		if err != nil {
			err = fmt.Errorf("failed to execute tool %q: %w", call.Name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		return response, nil
	}

	err := fmt.Errorf("tool not found: %s", call.Name)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return "", err
}

func (c *Client) forwardToolCalls(sessionID, questionID string, calls []llms.ToolCall) {
	encoded, err := json.Marshal(calls)
	if err != nil {
		c.logf(bus.LevelError, "failed to encode tool calls: %v", err)
		return
	}
	c.send(bus.PortToolCalls, bus.NewEvent(string(encoded),
		bus.KeyQuestionID, questionID,
		bus.KeySessionID, sessionID,
		bus.KeyParticipant, c.name,
	))
}

// forwardFailure closes a failed turn: cancelled turns forward an empty
// payload (the classification rides only in metadata so transcripts stay
// clean); timeouts and errors forward the rendered error text. If segments
// were already sent, a final empty ended marker lets bridges close the
// in-flight message.
func (c *Client) forwardFailure(sessionID, questionID, classification string, cause error, segmentsSent int) {
	payload := ""
	if classification != bus.StatusCancelled {
		payload = "Error: " + cause.Error()
	}

	event := bus.NewEvent(payload,
		bus.KeySessionStatus, classification,
		bus.KeyQuestionID, questionID,
		bus.KeySessionID, sessionID,
		bus.KeyParticipant, c.name,
	)
	c.send(bus.PortText, event)

	switch classification {
	case bus.StatusCancelled:
		c.setStatus("cancelled")
	case bus.StatusTimeout:
		c.setStatus("error:timeout")
	default:
		c.setStatus("error:" + firstLine(cause.Error()))
	}

	if segmentsSent > 0 {
		c.emitText(sessionID, questionID, "", bus.StatusEnded, segmentsSent)
	}
}

func (c *Client) classify(err error) string {
	switch {
	case errors.Is(err, errCancelledByToken), errors.Is(err, context.Canceled):
		return bus.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return bus.StatusTimeout
	default:
		return bus.StatusError
	}
}

func (c *Client) emitText(sessionID, questionID, text, sessionStatus string, segmentIndex int) {
	event := bus.NewEvent(text,
		bus.KeySessionStatus, sessionStatus,
		bus.KeyQuestionID, questionID,
		bus.KeySegmentIndex, strconv.Itoa(segmentIndex),
		bus.KeySessionID, sessionID,
		bus.KeyParticipant, c.name,
	)
	c.send(bus.PortText, event)
}

func (c *Client) segmentStatus(segmentsSent int) string {
	if segmentsSent == 0 {
		return bus.StatusStarted
	}
	return bus.StatusOngoing
}

func (c *Client) effectiveSystemPrompt() string {
	if c.anchorContext == "" {
		return c.systemPrompt
	}
	return c.anchorContext + "\n\n" + c.systemPrompt
}

func (c *Client) sessionID(event bus.Event) string {
	if id := event.Metadata.Value(bus.KeySessionID); id != "" {
		return id
	}
	return defaultSessionID
}

func (c *Client) send(port string, event bus.Event) {
	if err := c.emit(port, event); err != nil {
		c.logf(bus.LevelError, "bus send on %q failed: %v", port, err)
	}
}

func (c *Client) setStatus(status string) {
	if err := c.status.Set(status); err != nil {
		c.logf(bus.LevelError, "status send failed: %v", err)
	}
}

func (c *Client) logf(level, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	switch level {
	case bus.LevelError:
		logger.Error(message, "node", c.name)
	case bus.LevelWarning:
		logger.Warn(message, "node", c.name)
	case bus.LevelDebug:
		logger.Debug(message, "node", c.name)
	default:
		logger.Info(message, "node", c.name)
	}
	_ = c.emit(bus.PortLog, bus.NewLogEvent(c.name, level, message))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
