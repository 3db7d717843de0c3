package wsbus

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/parley-labs/parley-core/core/bus"
)

// frame is the wire form of one bus event. Metadata travels as ordered pairs
// so the insertion order survives the hop.
type frame struct {
	Node     string      `json:"node"`
	Port     string      `json:"port"`
	Payload  string      `json:"payload"`
	Metadata [][2]string `json:"metadata,omitempty"`
}

// Link bridges a local in-process bus to a remote peer over one websocket
// connection. Outbound traffic goes through Forward; inbound frames are
// republished on the local bus under the remote node's name, so remote nodes
// are wired with plain bus.Connect calls.
type Link struct {
	bus  *bus.Bus
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*dialOptions)

type dialOptions struct {
	header http.Header
	dialer *websocket.Dialer
}

func WithHeader(header http.Header) Option {
	return func(o *dialOptions) { o.header = header }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *dialOptions) { o.dialer = dialer }
}

// Dial connects to a remote bus endpoint and starts the read loop. The link
// stays up until the peer closes, the context is cancelled, or Close is
// called.
func Dial(ctx context.Context, url string, localBus *bus.Bus, opts ...Option) (*Link, error) {
	options := dialOptions{dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&options)
	}

	conn, _, err := options.dialer.DialContext(ctx, url, options.header)
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to %s: %w", url, err)
	}

	link := &Link{bus: localBus, conn: conn, done: make(chan struct{})}
	go link.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			link.Close()
		case <-link.done:
		}
	}()
	return link, nil
}

// Accept wraps an already-upgraded server-side connection in a Link.
func Accept(conn *websocket.Conn, localBus *bus.Bus) *Link {
	link := &Link{bus: localBus, conn: conn, done: make(chan struct{})}
	go link.readLoop()
	return link
}

// Forward returns an emit function that ships a node's output ports to the
// remote peer. Plug it into any node constructor in place of bus.Emitter.
func (l *Link) Forward(node string) func(port string, event bus.Event) error {
	return func(port string, event bus.Event) error {
		return l.send(node, port, event)
	}
}

func (l *Link) send(node, port string, event bus.Event) error {
	outbound := frame{Node: node, Port: port, Payload: event.Payload}
	for _, key := range event.Metadata.Keys() {
		outbound.Metadata = append(outbound.Metadata, [2]string{key, event.Metadata.Value(key)})
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteJSON(outbound); err != nil {
		return fmt.Errorf("failed to forward %s.%s: %w", node, port, err)
	}
	return nil
}

func (l *Link) readLoop() {
	defer l.Close()
	for {
		var inbound frame
		if err := l.conn.ReadJSON(&inbound); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("wsbus read error: %v", err)
			}
			return
		}

		event := bus.Event{Payload: inbound.Payload}
		for _, pair := range inbound.Metadata {
			event.Metadata.Set(pair[0], pair[1])
		}
		if err := l.bus.Publish(inbound.Node, inbound.Port, event); err != nil {
			log.Printf("wsbus publish for %s.%s failed: %v", inbound.Node, inbound.Port, err)
		}
	}
}

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		_ = l.conn.Close()
		close(l.done)
	})
}
