package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-labs/parley-core/core/bus"
	"github.com/parley-labs/parley-core/core/chat"
	"github.com/parley-labs/parley-core/core/llms"
)

type stubChunk struct{ text string }

func (stubChunk) FinishReason() *string { return nil }
func (c stubChunk) Content() string     { return c.text }

type stubStream struct{ text string }

func (s stubStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		yield(stubChunk{s.text}, nil)
	}
}

// stubProvider cycles through canned replies, one per model call.
type stubProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (p *stubProvider) nextReply() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	reply := p.replies[p.calls%len(p.replies)]
	p.calls++
	return reply
}

func (p *stubProvider) PromptWithStream(ctx context.Context, model string, opts ...llms.PromptOption) llms.Stream {
	return stubStream{text: p.nextReply()}
}

func (p *stubProvider) Prompt(ctx context.Context, model string, opts ...llms.PromptOption) (llms.Message, error) {
	return llms.Message{Role: llms.MessageRoleAssistant, Content: p.nextReply()}, nil
}

func clientOptions(provider chat.Provider) []chat.Option {
	return []chat.Option{
		chat.WithProvider("stub", provider),
		chat.WithRoutes(map[string]chat.Route{"stub": {Provider: "stub", Model: "test"}}, "stub"),
	}
}

func awaitEvent(t *testing.T, events <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a bus event")
		return bus.Event{}
	}
}

func TestConferenceRotatesSpeakersThroughTheBus(t *testing.T) {
	alpha := &stubProvider{replies: []string{"Alpha view."}}
	beta := &stubProvider{replies: []string{"Beta view."}}

	conf, err := NewConference(context.Background(),
		WithParticipant("a", clientOptions(alpha)...),
		WithParticipant("b", clientOptions(beta)...),
	)
	if err != nil {
		t.Fatalf("conference assembly failed: %v", err)
	}
	defer conf.Close()

	// The rotation keeps producing bundles until Close; drop what the test
	// does not consume so shutdown never blocks on the listener.
	bundles := make(chan bus.Event, 64)
	if err := conf.Bus().Register("listener", func(_ context.Context, _ string, event bus.Event) {
		select {
		case bundles <- event:
		default:
		}
	}); err != nil {
		t.Fatalf("listener registration failed: %v", err)
	}
	if err := conf.Bus().Connect(bridgeNode, bus.PortText, "listener", "in"); err != nil {
		t.Fatalf("listener wiring failed: %v", err)
	}

	if err := conf.Start("opening topic"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	first := awaitEvent(t, bundles)
	if first.Payload != "Alpha view." {
		t.Fatalf("expected the first bundle from a, got %q", first.Payload)
	}
	firstID, err := ParseQuestionID(first.Metadata.Value(bus.KeyQuestionID))
	if err != nil {
		t.Fatalf("first bundle question id unparseable: %v", err)
	}
	if firstID.Round() != 0 || firstID.Participant() != 0 || firstID.Total() != 2 {
		t.Fatalf("unexpected first question id: %+v", firstID)
	}

	second := awaitEvent(t, bundles)
	if second.Payload != "Beta view." {
		t.Fatalf("expected the second bundle from b, got %q", second.Payload)
	}
	secondID, err := ParseQuestionID(second.Metadata.Value(bus.KeyQuestionID))
	if err != nil {
		t.Fatalf("second bundle question id unparseable: %v", err)
	}
	if secondID.Participant() != 1 {
		t.Fatalf("expected the rotation to hand the round to b, got %+v", secondID)
	}
}

type failingStream struct{ err error }

func (s failingStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		yield(nil, s.err)
	}
}

// failingProvider fails every call, standing in for a participant whose
// model backend is down.
type failingProvider struct{ err error }

func (p failingProvider) PromptWithStream(ctx context.Context, model string, opts ...llms.PromptOption) llms.Stream {
	return failingStream{err: p.err}
}

func (p failingProvider) Prompt(ctx context.Context, model string, opts ...llms.PromptOption) (llms.Message, error) {
	return llms.Message{}, p.err
}

func TestConferenceAdvancesPastAnErroredParticipant(t *testing.T) {
	alpha := failingProvider{err: errors.New("model unavailable")}
	beta := &stubProvider{replies: []string{"Beta view."}}

	// No error template: a's failure contributes nothing to the transcript,
	// but the rotation must still reach b.
	conf, err := NewConference(context.Background(),
		WithParticipant("a", clientOptions(alpha)...),
		WithParticipant("b", clientOptions(beta)...),
	)
	if err != nil {
		t.Fatalf("conference assembly failed: %v", err)
	}
	defer conf.Close()

	bundles := make(chan bus.Event, 64)
	if err := conf.Bus().Register("listener", func(_ context.Context, _ string, event bus.Event) {
		select {
		case bundles <- event:
		default:
		}
	}); err != nil {
		t.Fatalf("listener registration failed: %v", err)
	}
	if err := conf.Bus().Connect(bridgeNode, bus.PortText, "listener", "in"); err != nil {
		t.Fatalf("listener wiring failed: %v", err)
	}

	if err := conf.Start("opening topic"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for range 8 {
		event := awaitEvent(t, bundles)
		if event.Payload == "" {
			// The empty advance marker for a's failed turn.
			continue
		}
		if event.Payload != "Beta view." {
			t.Fatalf("unexpected bundle %q", event.Payload)
		}
		id, err := ParseQuestionID(event.Metadata.Value(bus.KeyQuestionID))
		if err != nil {
			t.Fatalf("bundle question id unparseable: %v", err)
		}
		if id.Participant() != 1 {
			t.Fatalf("expected the bundle from participant 1, got %+v", id)
		}
		return
	}
	t.Fatalf("the rotation never reached the healthy participant")
}

func TestConferenceRequiresParticipants(t *testing.T) {
	if _, err := NewConference(context.Background()); err == nil {
		t.Fatalf("expected an empty conference to be rejected")
	}
}

func TestConferenceRejectsBadRotationPattern(t *testing.T) {
	provider := &stubProvider{replies: []string{"x"}}
	_, err := NewConference(context.Background(),
		WithParticipant("a", clientOptions(provider)...),
		WithRotationPattern("a,,"),
	)
	if err == nil {
		t.Fatalf("expected a malformed rotation pattern to fail assembly")
	}
}
