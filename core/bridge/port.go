package bridge

import (
	"strings"

	"github.com/parley-labs/parley-core/core/bus"
)

type signalType int

const (
	signalNormal signalType = iota
	signalReset
	signalCancelled
	signalTechnicalError
	signalContentError
)

func (s signalType) String() string {
	switch s {
	case signalReset:
		return "reset"
	case signalCancelled:
		return "cancelled"
	case signalTechnicalError:
		return "technical_error"
	case signalContentError:
		return "content_error"
	}
	return "normal"
}

// classifySignal derives a chunk's signal from its session_status metadata,
// falling back to the "Error:" text prefix for producers that do not set a
// status.
func classifySignal(event bus.Event) signalType {
	switch event.Metadata.Value(bus.KeySessionStatus) {
	case bus.StatusReset:
		return signalReset
	case bus.StatusCancelled:
		return signalCancelled
	case bus.StatusError, bus.StatusTimeout:
		return signalTechnicalError
	}
	if strings.HasPrefix(strings.TrimSpace(event.Payload), "Error:") {
		return signalContentError
	}
	return signalNormal
}

// messageState is the explicit tagged union for a port's accumulation
// state: empty, streaming (chunks still arriving) or complete.
type messageState interface {
	isMessageState()
}

type stateEmpty struct{}

type stateStreaming struct {
	chunks   []string
	metadata bus.Metadata
}

type stateComplete struct {
	content string
}

func (stateEmpty) isMessageState()     {}
func (stateStreaming) isMessageState() {}
func (stateComplete) isMessageState()  {}

// inputPort tracks one expected input channel for the current round. It is
// reset after every bundle or explicit control reset.
type inputPort struct {
	name      string
	streaming bool
	human     bool

	state           messageState
	ready           bool
	wasAlreadyReady bool
	draining        bool
	signal          signalType
	shouldForward   bool
}

func newInputPort(name string, streaming, human bool) *inputPort {
	return &inputPort{
		name:      name,
		streaming: streaming,
		human:     human,
		state:     stateEmpty{},
	}
}

// apply is the single authoritative transition function. It folds one chunk
// into the port and reports whether the port transitioned to ready.
func (p *inputPort) apply(event bus.Event) (becameReady bool) {
	status, hasStatus := event.Metadata.Get(bus.KeySessionStatus)

	if p.draining {
		// A fresh start, or a chunk without any session status, ends the
		// drain so a late straggler from a just-reset round is not lost
		// forever.
		if status == bus.StatusStarted || !hasStatus {
			p.draining = false
		} else {
			return false
		}
	}

	signal := classifySignal(event)
	switch signal {
	case signalReset, signalCancelled:
		p.state = stateEmpty{}
		p.ready = false
		p.wasAlreadyReady = false
		p.shouldForward = false
		p.signal = signal
		return false

	case signalTechnicalError, signalContentError:
		// Raw text is discarded; a template substitutes it at bundle time.
		p.state = stateComplete{}
		p.signal = signal
		p.shouldForward = true
		return p.markReady()
	}

	p.signal = signalNormal
	p.shouldForward = true

	if !p.streaming {
		p.state = stateComplete{content: event.Payload}
		return p.markReady()
	}

	streaming, ok := p.state.(stateStreaming)
	if !ok {
		streaming = stateStreaming{metadata: event.Metadata.Clone()}
	}
	if event.Payload != "" {
		// Empty terminal markers only close the message; they carry no text.
		streaming.chunks = append(streaming.chunks, event.Payload)
	}

	if hasStatus && bus.IsTerminalStatus(status) {
		p.state = stateComplete{content: strings.Join(streaming.chunks, "")}
		return p.markReady()
	}

	p.state = streaming
	return false
}

// markReady latches the ready transition so duplicate terminal chunks do
// not re-trigger bundle handling.
func (p *inputPort) markReady() bool {
	p.ready = true
	if p.wasAlreadyReady {
		return false
	}
	p.wasAlreadyReady = true
	return true
}

// resolved reports whether the port no longer blocks a bundle: it is either
// ready or its content was dropped by a reset/cancel signal.
func (p *inputPort) resolved() bool {
	return p.ready || p.signal == signalReset || p.signal == signalCancelled
}

func (p *inputPort) content() string {
	if complete, ok := p.state.(stateComplete); ok {
		return complete.content
	}
	return ""
}

// reset returns the port to its empty state. Mid-stream ports enter drain
// mode so chunks from the interrupted message are swallowed until a fresh
// start arrives.
func (p *inputPort) reset() {
	if _, midStream := p.state.(stateStreaming); midStream {
		p.draining = true
	}
	p.state = stateEmpty{}
	p.ready = false
	p.wasAlreadyReady = false
	p.shouldForward = false
	p.signal = signalNormal
}
