package chat

import "github.com/parley-labs/parley-core/core/llms"

// toolCallAccumulator reassembles tool calls from streamed deltas. A call's
// id, type, name and arguments may arrive split across several deltas that
// share an index; arguments concatenate, identity fields latch on first
// non-empty value.
type toolCallAccumulator struct {
	order []int
	calls map[int]*llms.ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: map[int]*llms.ToolCall{}}
}

func (a *toolCallAccumulator) Add(index int, delta llms.ToolCall) {
	call, ok := a.calls[index]
	if !ok {
		call = &llms.ToolCall{}
		a.calls[index] = call
		a.order = append(a.order, index)
	}

	if call.ID == "" {
		call.ID = delta.ID
	}
	if call.Type == "" {
		call.Type = delta.Type
	}
	if call.Name == "" {
		call.Name = delta.Name
	}
	call.Arguments += delta.Arguments
}

// Materialize returns the assembled calls in arrival order. Calls still
// missing id, type or name at the terminal chunk are dropped: they never
// became addressable.
func (a *toolCallAccumulator) Materialize() []llms.ToolCall {
	var calls []llms.ToolCall
	for _, index := range a.order {
		call := a.calls[index]
		if call.ID == "" || call.Type == "" || call.Name == "" {
			continue
		}
		calls = append(calls, *call)
	}
	return calls
}

func (a *toolCallAccumulator) Empty() bool {
	return len(a.order) == 0
}
