package llms

import "context"

// Stream is a lazily evaluated model response. Chunks performs the network
// request when iterated; cancelling ctx unwinds the read loop.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

// StreamToolCallChunk carries one tool-call delta. A call's id, type, name
// and arguments may arrive split across several deltas sharing an index.
type StreamToolCallChunk interface {
	StreamChunk
	Index() int
	ToolCall() ToolCall
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}
