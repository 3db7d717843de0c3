package conference

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/parley-labs/parley-core/core/bridge"
	"github.com/parley-labs/parley-core/core/bus"
	"github.com/parley-labs/parley-core/core/chat"
)

const (
	controllerNode = "controller"
	bridgeNode     = "bridge"
	operatorNode   = "operator"
)

// Conference assembles N chat clients, one bridge, and one controller on a
// shared in-process bus, wired for the resume/cancel/reset protocol:
//
//	controller --control_<name>--> client --text--> bridge --text--> controller
//
// Human channels and the optional pipeline node hang off the same wiring.
type Conference struct {
	bus        *bus.Bus
	controller *Controller
	bridge     *bridge.Bridge
	clients    map[string]*chat.Client

	closeOnce sync.Once
}

type conferenceConfig struct {
	pattern       string
	errorTemplate string
	participants  []participantConfig
	humans        []string
	pipelineName  string
	pipeline      bus.Handler
}

type participantConfig struct {
	name string
	opts []chat.Option
}

type ConferenceOption func(*conferenceConfig)

// WithParticipant adds one AI participant backed by its own chat client.
// Participants join the rotation in the order they are added unless a
// rotation pattern overrides it.
func WithParticipant(name string, opts ...chat.Option) ConferenceOption {
	return func(c *conferenceConfig) {
		c.participants = append(c.participants, participantConfig{name: name, opts: opts})
	}
}

// WithHumanChannel names a human input channel. Human input bypasses the
// rotation, survives bridge resets, and triggers the interrupt cascade.
func WithHumanChannel(name string) ConferenceOption {
	return func(c *conferenceConfig) { c.humans = append(c.humans, name) }
}

// WithRotationPattern overrides the default equal-weight rotation. See
// parseRotationPattern for the syntax.
func WithRotationPattern(pattern string) ConferenceOption {
	return func(c *conferenceConfig) { c.pattern = pattern }
}

// WithErrorTemplate installs the bridge's message for errored contributions;
// "{participant}" expands to the participant name.
func WithErrorTemplate(template string) ConferenceOption {
	return func(c *conferenceConfig) { c.errorTemplate = template }
}

// WithPipelineNode registers a downstream audio/text pipeline node that
// receives the reset broadcast during the interrupt cascade.
func WithPipelineNode(name string, handler bus.Handler) ConferenceOption {
	return func(c *conferenceConfig) {
		c.pipelineName = name
		c.pipeline = handler
	}
}

func NewConference(ctx context.Context, opts ...ConferenceOption) (*Conference, error) {
	cfg := conferenceConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.participants) == 0 {
		return nil, fmt.Errorf("a conference needs at least one participant")
	}

	names := make([]string, 0, len(cfg.participants))
	for _, participant := range cfg.participants {
		names = append(names, participant.name)
	}
	if cfg.pattern == "" {
		cfg.pattern = strings.Join(names, ",")
	}

	b := bus.New(ctx)
	conf := &Conference{bus: b, clients: map[string]*chat.Client{}}

	for _, participant := range cfg.participants {
		client, err := chat.New(participant.name, b.Emitter(participant.name), participant.opts...)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("client %q rejected its configuration: %w", participant.name, err)
		}
		conf.clients[participant.name] = client
		if err := b.Register(participant.name, client.HandleEvent); err != nil {
			b.Close()
			return nil, err
		}
	}

	bridgeOpts := []bridge.Option{
		bridge.WithStreamingPorts(names...),
		bridge.WithHumanPorts(cfg.humans...),
	}
	if cfg.errorTemplate != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithErrorTemplate(cfg.errorTemplate))
	}
	conf.bridge = bridge.New(bridgeNode, b.Emitter(bridgeNode), bridgeOpts...)
	if err := b.Register(bridgeNode, conf.bridge.HandleEvent); err != nil {
		b.Close()
		return nil, err
	}

	controllerOpts := []ControllerOption{
		WithCancelTargets(names...),
		WithResetTargets(bridgeNode),
		WithHumanParticipants(cfg.humans...),
	}
	if cfg.pipelineName != "" {
		controllerOpts = append(controllerOpts, WithPipelineTarget(cfg.pipelineName))
	}
	controller, err := New(controllerNode, b.Emitter(controllerNode), cfg.pattern, controllerOpts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	conf.controller = controller
	if err := b.Register(controllerNode, controller.HandleEvent); err != nil {
		b.Close()
		return nil, err
	}

	if cfg.pipelineName != "" {
		if err := b.Register(cfg.pipelineName, cfg.pipeline); err != nil {
			b.Close()
			return nil, err
		}
	}

	if err := conf.wire(names, cfg.humans, cfg.pipelineName); err != nil {
		b.Close()
		return nil, err
	}
	return conf, nil
}

func (c *Conference) wire(participants, humans []string, pipeline string) error {
	connections := [][4]string{
		{controllerNode, bus.ControlPortFor(bridgeNode), bridgeNode, bus.PortControl},
		{bridgeNode, bus.PortText, controllerNode, bus.PortText},
		{operatorNode, bus.PortControl, controllerNode, bus.PortControl},
	}
	for _, name := range participants {
		connections = append(connections,
			[4]string{controllerNode, bus.ControlPortFor(name), name, bus.PortControl},
			[4]string{name, bus.PortText, bridgeNode, name},
			[4]string{name, bus.PortSessionStart, controllerNode, bus.PortSessionStart},
		)
	}
	for _, name := range humans {
		// A human utterance lands on the bridge (so it joins the bundle) and
		// on the controller (so it triggers the interrupt).
		connections = append(connections,
			[4]string{name, bus.PortText, bridgeNode, name},
			[4]string{name, bus.PortText, controllerNode, name},
		)
	}
	if pipeline != "" {
		connections = append(connections,
			[4]string{controllerNode, bus.ControlPortFor(pipeline), pipeline, bus.PortControl},
		)
	}

	for _, connection := range connections {
		if err := c.bus.Connect(connection[0], connection[1], connection[2], connection[3]); err != nil {
			return err
		}
	}
	return nil
}

// Start dispatches the opening speaker. The kick-off travels over the bus so
// all controller state stays on its delivery goroutine.
func (c *Conference) Start(prompt string) error {
	payload := bus.ControlPayload{Command: bus.CommandResume, Prompt: prompt}
	return c.bus.Publish(operatorNode, bus.PortControl, bus.Event{Payload: payload.Encode()})
}

// SendHumanInput injects a human utterance on the named human channel,
// triggering the interrupt cascade.
func (c *Conference) SendHumanInput(channel, text string) error {
	return c.bus.Publish(channel, bus.PortText, bus.NewEvent(text,
		bus.KeyParticipant, channel,
		bus.KeySessionStatus, bus.StatusComplete,
	))
}

// Reset returns the conference to round zero without dispatching a speaker.
func (c *Conference) Reset() error {
	payload := bus.ControlPayload{Command: bus.CommandReset}
	return c.bus.Publish(operatorNode, bus.PortControl, bus.Event{Payload: payload.Encode()})
}

// Bus exposes the underlying bus so external consumers (UI, speech
// synthesis) can be wired onto the text, status, and log ports.
func (c *Conference) Bus() *bus.Bus { return c.bus }

// Close stops delivery on the bus. Pending events are drained first.
func (c *Conference) Close() {
	c.closeOnce.Do(func() { c.bus.Close() })
}
