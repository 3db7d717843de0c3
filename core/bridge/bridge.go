package bridge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/parley-labs/parley-core/core/bus"
	"go.opentelemetry.io/otel/attribute"
)

const participantPlaceholder = "{participant}"

// Bridge aggregates concurrently-arriving per-participant chunks for one
// round, classifies control against content, and emits one concatenated
// bundle on its text output. Ports complete in real arrival order; that
// order is used verbatim for bundling.
type Bridge struct {
	name string
	emit func(port string, event bus.Event) error

	streamingPorts map[string]bool
	humanPorts     map[string]bool
	errorTemplate  string

	ports      map[string]*inputPort
	queue      []string
	questionID string

	status *bus.StatusEmitter
}

type Option func(*Bridge)

// WithStreamingPorts marks which input ports deliver multi-chunk streams.
// Unlisted ports are treated as non-streaming and become ready on their
// first chunk.
func WithStreamingPorts(names ...string) Option {
	return func(b *Bridge) {
		for _, name := range names {
			b.streamingPorts[name] = true
		}
	}
}

// WithHumanPorts marks ports carrying human-origin input. Their buffered
// content survives control resets so a concurrent human utterance is never
// discarded.
func WithHumanPorts(names ...string) Option {
	return func(b *Bridge) {
		for _, name := range names {
			b.humanPorts[name] = true
		}
	}
}

// WithErrorTemplate installs the message substituted for errored
// contributions; "{participant}" expands to the port name. Without a
// template, errored contributions are dropped with a warning.
func WithErrorTemplate(template string) Option {
	return func(b *Bridge) { b.errorTemplate = template }
}

func New(name string, emit func(port string, event bus.Event) error, opts ...Option) *Bridge {
	b := &Bridge{
		name:           name,
		emit:           emit,
		streamingPorts: map[string]bool{},
		humanPorts:     map[string]bool{},
		ports:          map[string]*inputPort{},
	}
	b.status = bus.NewStatusEmitter(emit)

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleEvent consumes one bus event. Anything that is not the control port
// is treated as a participant input channel.
func (b *Bridge) HandleEvent(ctx context.Context, port string, event bus.Event) {
	switch port {
	case bus.PortControl:
		b.handleControl(ctx, event)
	case bus.PortBufferStatus:
		// Downstream buffer drained; see if a pending bundle can go out.
		b.attemptForward(ctx)
	default:
		b.handleChunk(ctx, port, event)
	}
}

func (b *Bridge) handleChunk(ctx context.Context, port string, event bus.Event) {
	p, ok := b.ports[port]
	if !ok {
		p = newInputPort(port, b.streamingPorts[port], b.humanPorts[port])
		b.ports[port] = p
	}

	becameReady := p.apply(event)

	if p.draining {
		// Still swallowing stragglers from a reset round.
		return
	}

	// Adopted only after the drain check: a straggler from a just-reset
	// round must not retag the next bundle with its old question id.
	if qid := event.Metadata.Value(bus.KeyQuestionID); qid != "" {
		b.questionID = qid
	}

	if !slices.Contains(b.queue, port) {
		switch p.signal {
		case signalReset, signalCancelled:
			// Dropped contributions never enter the arrival queue.
		default:
			b.queue = append(b.queue, port)
		}
	} else if p.signal == signalReset || p.signal == signalCancelled {
		b.queue = slices.DeleteFunc(b.queue, func(name string) bool { return name == port })
	}

	if becameReady || p.signal == signalReset || p.signal == signalCancelled {
		b.attemptForward(ctx)
	}
}

// attemptForward forwards once every queued port has resolved. An empty
// queue means there is nothing to do.
func (b *Bridge) attemptForward(ctx context.Context) {
	if len(b.queue) == 0 {
		return
	}
	for _, name := range b.queue {
		if !b.ports[name].resolved() {
			return
		}
	}
	b.forwardBundle(ctx)
}

// forwardBundle walks the FIFO arrival queue and emits one bundle. Whether
// or not anything qualified, every port is reset and the queue cleared: a
// bundle is consumed exactly once.
func (b *Bridge) forwardBundle(ctx context.Context) {
	_, span := tracer.Start(ctx, "forward bundle")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("bridge.arrival_queue", b.queue))

	var parts []string
	advance := false
	for _, name := range b.queue {
		p := b.ports[name]
		if p.shouldForward {
			advance = true
		}
		if !p.ready {
			continue
		}

		switch p.signal {
		case signalReset, signalCancelled:
			// Dropped silently.

		case signalTechnicalError, signalContentError:
			if b.errorTemplate == "" {
				b.logf(bus.LevelWarning, "dropping errored contribution from %q: no error template configured", name)
				continue
			}
			parts = append(parts, strings.ReplaceAll(b.errorTemplate, participantPlaceholder, name))

		default:
			content := strings.TrimSpace(p.content())
			if content == "" {
				continue
			}
			parts = append(parts, p.content())
		}
	}

	if len(parts) > 0 {
		bundle := strings.Join(parts, "\n")
		event := bus.NewEvent(bundle,
			bus.KeySessionStatus, bus.StatusComplete,
			bus.KeyQuestionID, b.questionID,
			bus.KeyIsComplete, "true",
		)
		if err := b.emit(bus.PortText, event); err != nil {
			b.logf(bus.LevelError, "bundle send failed: %v", err)
		}
		b.setStatus("forwarded")
	} else if advance {
		// Every contribution resolved to nothing: errors without a template,
		// or whitespace-only text. An empty terminal marker still goes out
		// so the round advances downstream instead of stalling.
		event := bus.NewEvent("",
			bus.KeySessionStatus, bus.StatusComplete,
			bus.KeyQuestionID, b.questionID,
			bus.KeyIsComplete, "true",
		)
		if err := b.emit(bus.PortText, event); err != nil {
			b.logf(bus.LevelError, "advance send failed: %v", err)
		}
		b.setStatus("forwarded")
	}

	for _, p := range b.ports {
		p.reset()
	}
	b.queue = nil
}

func (b *Bridge) handleControl(ctx context.Context, event bus.Event) {
	payload, err := bus.ParseControl(event.Payload)
	if err != nil {
		b.logf(bus.LevelWarning, "control parse failed (node=%s payload=%q): %v", b.name, event.Payload, err)
		return
	}

	switch payload.Command {
	case bus.CommandReset:
		if payload.QuestionID != "" {
			b.questionID = payload.QuestionID
		}
		b.handleReset()
		b.setStatus("reset")

	case bus.CommandReady:
		b.attemptForward(ctx)

	case bus.CommandStats:
		b.logf(bus.LevelInfo, "ports=%d queued=%d", len(b.ports), len(b.queue))

	case bus.CommandExit:
		b.logf(bus.LevelInfo, "exit requested")

	default:
		b.logf(bus.LevelWarning, "unknown control command %q", payload.Command)
	}
}

// handleReset force-clears every port except human-origin ones, whose
// buffered content is preserved, and removes non-human entries from the
// arrival queue.
func (b *Bridge) handleReset() {
	for _, p := range b.ports {
		if p.human {
			continue
		}
		p.reset()
	}
	b.queue = slices.DeleteFunc(b.queue, func(name string) bool {
		return !b.ports[name].human
	})
}

func (b *Bridge) setStatus(status string) {
	if err := b.status.Set(status); err != nil {
		b.logf(bus.LevelError, "status send failed: %v", err)
	}
}

func (b *Bridge) logf(level, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	switch level {
	case bus.LevelError:
		logger.Error(message, "node", b.name)
	case bus.LevelWarning:
		logger.Warn(message, "node", b.name)
	default:
		logger.Info(message, "node", b.name)
	}
	_ = b.emit(bus.PortLog, bus.NewLogEvent(b.name, level, message))
}
