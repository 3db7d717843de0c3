package conference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parley-labs/parley-core/core/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// participantInput is the completed contribution of one participant for the
// current round. It is replaced each round.
type participantInput struct {
	id          string
	text        string
	wordCount   int
	isComplete  bool
	timestampMs int64
}

// streamingAccumulator buffers one participant's partial text. It exists
// only while a multi-chunk message is incomplete.
type streamingAccumulator struct {
	chunks []string
}

func (a *streamingAccumulator) add(chunk string) {
	chunk = strings.TrimSpace(chunk)
	if chunk != "" {
		a.chunks = append(a.chunks, chunk)
	}
}

func (a *streamingAccumulator) text() string { return strings.Join(a.chunks, " ") }

// Controller decides who speaks next. It alternates between waiting for a
// participant's completed input and dispatching the next speaker, and
// unwinds every in-flight AI turn when the human interrupts.
//
// At most one turn is ever in flight: a dispatch is acknowledged on the
// session_start port, and until that ack lands any further dispatch is
// deferred behind the pendingNext flag.
type Controller struct {
	name string
	emit func(port string, event bus.Event) error

	policy *rotationPolicy

	humanParticipants map[string]bool
	cancelTargets     []string
	resetTargets      []string
	pipelineTarget    string

	round           int
	awaitedQuestion QuestionID
	waitingForStart bool
	pendingNext     bool
	paused          bool
	halted          bool

	lastInputText string
	accumulators  map[string]*streamingAccumulator
	inputs        map[string]participantInput

	status *bus.StatusEmitter
}

type ControllerOption func(*Controller)

// WithHumanParticipants names the human input channels. Input from them
// bypasses the rotation and triggers the interrupt cascade.
func WithHumanParticipants(names ...string) ControllerOption {
	return func(c *Controller) {
		for _, name := range names {
			c.humanParticipants[name] = true
		}
	}
}

// WithCancelTargets names the AI clients that receive the cancel broadcast
// during the interrupt cascade, addressed via their control_<name> channels.
func WithCancelTargets(names ...string) ControllerOption {
	return func(c *Controller) { c.cancelTargets = append(c.cancelTargets, names...) }
}

// WithResetTargets names the bridges that receive the reset broadcast.
func WithResetTargets(names ...string) ControllerOption {
	return func(c *Controller) { c.resetTargets = append(c.resetTargets, names...) }
}

// WithPipelineTarget names the downstream audio/text pipeline node reset
// last in the cascade.
func WithPipelineTarget(name string) ControllerOption {
	return func(c *Controller) { c.pipelineTarget = name }
}

// New builds a controller around a rotation pattern. A malformed pattern is
// a startup error.
func New(name string, emit func(port string, event bus.Event) error, pattern string, opts ...ControllerOption) (*Controller, error) {
	policy, err := parseRotationPattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("rotation pattern rejected: %w", err)
	}

	c := &Controller{
		name:              name,
		emit:              emit,
		policy:            policy,
		humanParticipants: map[string]bool{},
		accumulators:      map[string]*streamingAccumulator{},
		inputs:            map[string]participantInput{},
	}
	c.status = bus.NewStatusEmitter(emit)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleEvent consumes one bus event. Any port other than control and
// session_start is treated as a participant input channel.
func (c *Controller) HandleEvent(ctx context.Context, port string, event bus.Event) {
	if c.halted {
		return
	}

	switch port {
	case bus.PortControl:
		c.handleControl(ctx, event)
	case bus.PortSessionStart:
		c.onSessionStart(ctx, event)
	default:
		c.onParticipantComplete(ctx, port, event)
	}
}

func (c *Controller) onParticipantComplete(ctx context.Context, port string, event bus.Event) {
	participant := c.resolveParticipant(port, event)

	if c.humanParticipants[participant] {
		c.interrupt(ctx, event.Payload)
		return
	}
	if c.paused || c.staleRound(event) {
		return
	}

	status := event.Metadata.Value(bus.KeySessionStatus)
	switch status {
	case bus.StatusError, bus.StatusCancelled, bus.StatusTimeout:
		// A failed turn still advances the round, as a completed empty turn.
		delete(c.accumulators, participant)
		c.recordInput(participant, "")
		c.processNextSpeaker(ctx)
		return
	case bus.StatusReset:
		delete(c.accumulators, participant)
		return
	}

	acc := c.accumulators[participant]
	if acc == nil {
		acc = &streamingAccumulator{}
		c.accumulators[participant] = acc
	}
	acc.add(event.Payload)

	if status == bus.StatusStarted || status == bus.StatusOngoing {
		return
	}

	text := acc.text()
	delete(c.accumulators, participant)
	c.recordInput(participant, text)
	c.policy.recordWords(participant, len(strings.Fields(text)))
	if text != "" {
		c.lastInputText = text
	}
	c.setStatus("waiting")
	c.processNextSpeaker(ctx)
}

// processNextSpeaker dispatches the policy's next pick. While a prior
// session-start ack is outstanding the dispatch is deferred; the ack handler
// resumes it exactly once.
func (c *Controller) processNextSpeaker(ctx context.Context) {
	if c.waitingForStart {
		c.pendingNext = true
		return
	}

	speaker, index := c.policy.next()
	questionID, err := NewQuestionID(c.round, index, c.policy.size())
	if err != nil {
		c.fatal(ctx, fmt.Errorf("question id construction failed: %w", err))
		return
	}

	payload := bus.ControlPayload{
		Command:    bus.CommandResume,
		Prompt:     c.lastInputText,
		QuestionID: questionID.String(),
	}
	if err := c.emit(bus.ControlPortFor(speaker), bus.NewEvent(payload.Encode(),
		bus.KeyQuestionID, questionID.String(),
	)); err != nil {
		c.fatal(ctx, fmt.Errorf("resume dispatch to %q failed: %w", speaker, err))
		return
	}

	c.awaitedQuestion = questionID
	c.waitingForStart = true
	c.setStatus("resume")
	c.logf(bus.LevelDebug, "dispatched %s (question_id=%s)", speaker, questionID)
}

// onSessionStart handles a dispatch ack. Acks for any other question id are
// stale or duplicated and are ignored, tolerating at-least-once delivery.
func (c *Controller) onSessionStart(ctx context.Context, event bus.Event) {
	raw := event.Metadata.Value(bus.KeyQuestionID)
	if raw == "" {
		raw = strings.TrimSpace(event.Payload)
	}
	if raw == "" {
		c.logf(bus.LevelWarning, "session start without question id ignored (payload=%q)", event.Payload)
		return
	}
	questionID, err := ParseQuestionID(raw)
	if err != nil {
		c.logf(bus.LevelWarning, "session start ignored: %v", err)
		return
	}

	if !c.waitingForStart || questionID != c.awaitedQuestion {
		return
	}

	c.waitingForStart = false
	c.setStatus("processing")
	if c.pendingNext {
		c.pendingNext = false
		c.processNextSpeaker(ctx)
	}
}

// interrupt unwinds every in-flight AI turn for a human utterance and
// restarts the round. Every component learns the new question id before
// being told to discard the old one, so nothing racing on the old id is
// mistaken for new content.
func (c *Controller) interrupt(ctx context.Context, prompt string) {
	ctx, span := tracer.Start(ctx, "human interrupt")
	defer span.End()

	c.paused = true
	c.round = (c.round + 1) % (maxRound + 1)
	span.SetAttributes(attribute.Int("conference.round", c.round))

	questionID, err := NewQuestionID(c.round, 0, c.policy.size())
	if err != nil {
		c.fatal(ctx, fmt.Errorf("question id construction failed: %w", err))
		return
	}

	c.broadcastCascade(ctx, questionID)
	if c.halted {
		return
	}

	c.clearRoundState()
	c.lastInputText = strings.TrimSpace(prompt)

	c.processNextSpeaker(ctx)
	c.paused = false
}

// reset returns the conference to round zero and clears every peer, without
// dispatching a speaker.
func (c *Controller) reset(ctx context.Context) {
	c.paused = true
	c.round = 0

	questionID, err := NewQuestionID(0, 0, c.policy.size())
	if err != nil {
		c.fatal(ctx, fmt.Errorf("question id construction failed: %w", err))
		return
	}

	c.broadcastCascade(ctx, questionID)
	if c.halted {
		return
	}

	c.clearRoundState()
	c.lastInputText = ""
	c.paused = false
	c.setStatus("reset")
}

// broadcastCascade cancels every AI client, then resets every bridge, then
// resets the pipeline. Broadcasts are best-effort: no ack, no rollback.
func (c *Controller) broadcastCascade(ctx context.Context, questionID QuestionID) {
	cancel := bus.ControlPayload{Command: bus.CommandCancel, QuestionID: questionID.String()}
	for _, target := range c.cancelTargets {
		c.sendControl(ctx, bus.ControlPortFor(target), cancel)
		if c.halted {
			return
		}
	}

	reset := bus.ControlPayload{Command: bus.CommandReset, QuestionID: questionID.String()}
	for _, target := range c.resetTargets {
		c.sendControl(ctx, bus.ControlPortFor(target), reset)
		if c.halted {
			return
		}
	}

	if c.pipelineTarget != "" {
		c.sendControl(ctx, bus.ControlPortFor(c.pipelineTarget), reset)
	}
}

func (c *Controller) sendControl(ctx context.Context, port string, payload bus.ControlPayload) {
	event := bus.NewEvent(payload.Encode(), bus.KeyQuestionID, payload.QuestionID)
	if err := c.emit(port, event); err != nil {
		c.fatal(ctx, fmt.Errorf("control send on %q failed: %w", port, err))
	}
}

func (c *Controller) handleControl(ctx context.Context, event bus.Event) {
	payload, err := bus.ParseControl(event.Payload)
	if err != nil {
		c.logf(bus.LevelWarning, "control parse failed (node=%s payload=%q): %v", c.name, event.Payload, err)
		return
	}

	switch payload.Command {
	case bus.CommandResume:
		// External kick-off of the rotation.
		if payload.Prompt != "" {
			c.lastInputText = payload.Prompt
		}
		c.processNextSpeaker(ctx)

	case bus.CommandReset:
		c.reset(ctx)

	case bus.CommandCancel:
		questionID, err := NewQuestionID(c.round, 0, c.policy.size())
		if err == nil {
			cancel := bus.ControlPayload{Command: bus.CommandCancel, QuestionID: questionID.String()}
			for _, target := range c.cancelTargets {
				c.sendControl(ctx, bus.ControlPortFor(target), cancel)
				if c.halted {
					return
				}
			}
		}
		c.waitingForStart = false
		c.pendingNext = false
		c.setStatus("cancelled")

	case bus.CommandReady:
		c.setStatus("waiting")

	case bus.CommandStats:
		c.logf(bus.LevelInfo, "round=%d %s", c.round, c.policy.stats())

	case bus.CommandExit:
		c.logf(bus.LevelInfo, "exit requested")

	default:
		c.logf(bus.LevelWarning, "unknown control command %q", payload.Command)
	}
}

func (c *Controller) resolveParticipant(port string, event bus.Event) string {
	if name := event.Metadata.Value(bus.KeyParticipant); name != "" {
		return name
	}
	if questionID, err := ParseQuestionID(event.Metadata.Value(bus.KeyQuestionID)); err == nil {
		if name, ok := c.policy.participantName(questionID.Participant()); ok {
			return name
		}
	}
	return port
}

// staleRound discards traffic tagged with a prior round's question id.
func (c *Controller) staleRound(event bus.Event) bool {
	raw := event.Metadata.Value(bus.KeyQuestionID)
	if raw == "" {
		return false
	}
	questionID, err := ParseQuestionID(raw)
	if err != nil {
		c.logf(bus.LevelWarning, "malformed question id on input ignored: %v", err)
		return false
	}
	return questionID.Round() != c.round
}

func (c *Controller) recordInput(participant, text string) {
	c.inputs[participant] = participantInput{
		id:          participant,
		text:        text,
		wordCount:   len(strings.Fields(text)),
		isComplete:  true,
		timestampMs: time.Now().UnixMilli(),
	}
}

func (c *Controller) clearRoundState() {
	c.accumulators = map[string]*streamingAccumulator{}
	c.inputs = map[string]participantInput{}
	c.policy.resetCounters()
	c.waitingForStart = false
	c.pendingNext = false
}

// fatal stops the controller. A controller that cannot reach its peers
// cannot keep the round coherent, so bus-send failures are unrecoverable.
func (c *Controller) fatal(ctx context.Context, err error) {
	c.halted = true
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logf(bus.LevelError, "%v", err)
	c.setStatus("error:" + err.Error())
}

func (c *Controller) setStatus(status string) {
	if err := c.status.Set(status); err != nil {
		c.logf(bus.LevelError, "status send failed: %v", err)
	}
}

func (c *Controller) logf(level, format string, args ...any) {
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
