package llms

// PromptOptions collects everything a provider needs for one model call.
type PromptOptions struct {
	Instructions string
	Messages     []Message
	Tools        []Tool
}

type PromptOption func(*PromptOptions)

// WithSystemPrompt sets the system instructions. Repeating this option
// overwrites the previous value.
func WithSystemPrompt(prompt string) PromptOption {
	return func(opts *PromptOptions) {
		opts.Instructions = prompt
	}
}

// WithMessages appends messages to the prompt. Repeating this option
// sequentially adds more messages.
func WithMessages(messages ...Message) PromptOption {
	return func(opts *PromptOptions) {
		opts.Messages = append(opts.Messages, messages...)
	}
}

// WithTools appends tools the model may call.
func WithTools(tools ...Tool) PromptOption {
	return func(opts *PromptOptions) {
		opts.Tools = append(opts.Tools, tools...)
	}
}
