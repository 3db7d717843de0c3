package bus

import (
	"context"
	"fmt"
	"sync"
)

const defaultInboxCapacity = 64

// Handler consumes one event delivered to one of the node's input ports.
// The bus invokes it from the node's single delivery goroutine, so a handler
// never runs concurrently with itself for the same node.
type Handler func(ctx context.Context, port string, event Event)

type delivery struct {
	port  string
	event Event
}

type wire struct {
	dstNode string
	dstPort string
}

type registration struct {
	handler Handler
	inbox   chan delivery
	quit    chan struct{}
	done    chan struct{}
}

// Bus is an in-process pub/sub transport with named input and output ports
// per node. Delivery to a node is FIFO in publish order, which preserves the
// per-port FIFO contract; no ordering holds across nodes.
type Bus struct {
	mu     sync.Mutex
	nodes  map[string]*registration
	wires  map[string]map[string][]wire
	closed bool

	baseCtx context.Context
}

func New(ctx context.Context) *Bus {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Bus{
		nodes:   map[string]*registration{},
		wires:   map[string]map[string][]wire{},
		baseCtx: ctx,
	}
}

// Register adds a node and starts its delivery goroutine. Registering the
// same name twice is an error.
func (b *Bus) Register(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if _, exists := b.nodes[name]; exists {
		return fmt.Errorf("node %q already registered", name)
	}

	reg := &registration{
		handler: handler,
		inbox:   make(chan delivery, defaultInboxCapacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.nodes[name] = reg

	// The inbox is never closed: a publisher that raced past the closed
	// check must not panic. Shutdown is signalled on quit instead, after
	// which the buffered backlog is drained.
	go func() {
		defer close(reg.done)
		for {
			select {
			case d := <-reg.inbox:
				reg.handler(b.baseCtx, d.port, d.event)
			case <-reg.quit:
				for {
					select {
					case d := <-reg.inbox:
						reg.handler(b.baseCtx, d.port, d.event)
					default:
						return
					}
				}
			}
		}
	}()

	return nil
}

// Connect routes events published on (srcNode, srcPort) to (dstNode,
// dstPort). Multiple destinations per source port are allowed.
func (b *Bus) Connect(srcNode, srcPort, dstNode, dstPort string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.nodes[dstNode]; !exists {
		return fmt.Errorf("cannot connect to unregistered node %q", dstNode)
	}

	ports, ok := b.wires[srcNode]
	if !ok {
		ports = map[string][]wire{}
		b.wires[srcNode] = ports
	}
	ports[srcPort] = append(ports[srcPort], wire{dstNode: dstNode, dstPort: dstPort})
	return nil
}

// Publish delivers event to every destination wired to (srcNode, srcPort).
// Publishing on an unwired port is a no-op, not an error: output ports may
// legitimately have no consumers in a given deployment.
func (b *Bus) Publish(srcNode, srcPort string, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	var targets []struct {
		inbox chan delivery
		port  string
	}
	for _, w := range b.wires[srcNode][srcPort] {
		reg, ok := b.nodes[w.dstNode]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("wire from %s.%s points at unregistered node %q", srcNode, srcPort, w.dstNode)
		}
		targets = append(targets, struct {
			inbox chan delivery
			port  string
		}{reg.inbox, w.dstPort})
	}
	b.mu.Unlock()

	for _, target := range targets {
		target.inbox <- delivery{port: target.port, event: event}
	}
	return nil
}

// Emitter binds a source node name to the bus, giving the node a publish
// function scoped to its own output ports.
func (b *Bus) Emitter(srcNode string) func(port string, event Event) error {
	return func(port string, event Event) error {
		return b.Publish(srcNode, port, event)
	}
}

// Close stops delivery. Pending inbox items are drained before the delivery
// goroutines exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	regs := make([]*registration, 0, len(b.nodes))
	for _, reg := range b.nodes {
		regs = append(regs, reg)
	}
	b.mu.Unlock()

	for _, reg := range regs {
		close(reg.quit)
	}
	for _, reg := range regs {
		<-reg.done
	}
}
