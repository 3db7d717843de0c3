package bridge

import (
	"context"
	"testing"

	"github.com/parley-labs/parley-core/core/bus"
)

type sentEvent struct {
	port  string
	event bus.Event
}

func recordingEmit(sent *[]sentEvent) func(port string, event bus.Event) error {
	return func(port string, event bus.Event) error {
		*sent = append(*sent, sentEvent{port: port, event: event})
		return nil
	}
}

func bundles(sent []sentEvent) []bus.Event {
	var out []bus.Event
	for _, s := range sent {
		if s.port == bus.PortText {
			out = append(out, s.event)
		}
	}
	return out
}

func streamChunk(content, status string) bus.Event {
	return bus.NewEvent(content, bus.KeySessionStatus, status)
}

func TestBundlePreservesArrivalOrder(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A", "B", "C"))
	ctx := context.Background()

	b.HandleEvent(ctx, "B", streamChunk("B-content", bus.StatusStarted))
	b.HandleEvent(ctx, "A", streamChunk("A-content", bus.StatusStarted))
	b.HandleEvent(ctx, "C", streamChunk("C-content", bus.StatusStarted))

	b.HandleEvent(ctx, "B", streamChunk("", bus.StatusEnded))
	if got := bundles(sent); len(got) != 0 {
		t.Fatalf("expected no bundle while A and C are mid-stream, got %d", len(got))
	}
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))
	b.HandleEvent(ctx, "C", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected exactly one bundle, got %d", len(got))
	}
	if got[0].Payload != "B-content\nA-content\nC-content" {
		t.Fatalf("unexpected bundle payload: %q", got[0].Payload)
	}
	if got[0].Metadata.Value(bus.KeySessionStatus) != bus.StatusComplete {
		t.Fatalf("expected the bundle to be marked complete")
	}
}

func TestForwardResetsEveryPortAndQueue(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A", "B"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", streamChunk("first", bus.StatusStarted))
	b.HandleEvent(ctx, "B", streamChunk("second", bus.StatusStarted))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))
	b.HandleEvent(ctx, "B", streamChunk("", bus.StatusEnded))

	if len(bundles(sent)) != 1 {
		t.Fatalf("expected one bundle, got %d", len(bundles(sent)))
	}
	if len(b.queue) != 0 {
		t.Fatalf("expected an empty arrival queue after forwarding, got %v", b.queue)
	}
	for name, p := range b.ports {
		if p.ready || p.content() != "" {
			t.Fatalf("expected port %q to be reset after forwarding", name)
		}
	}

	b.forwardBundle(ctx)
	if len(bundles(sent)) != 1 {
		t.Fatalf("expected a consumed bundle to emit nothing on a second forward")
	}
}

func TestCancelledPortContributesNothing(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A", "X"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", streamChunk("kept", bus.StatusStarted))
	b.HandleEvent(ctx, "X", streamChunk("dropped", bus.StatusCancelled))

	if len(b.queue) != 1 || b.queue[0] != "A" {
		t.Fatalf("expected only A in the arrival queue, got %v", b.queue)
	}

	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected one bundle, got %d", len(got))
	}
	if got[0].Payload != "kept" {
		t.Fatalf("expected the cancelled contribution to be dropped, got %q", got[0].Payload)
	}
}

func TestMidStreamCancelRemovesPortFromQueue(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A", "X"))
	ctx := context.Background()

	b.HandleEvent(ctx, "X", streamChunk("partial", bus.StatusStarted))
	b.HandleEvent(ctx, "A", streamChunk("kept", bus.StatusStarted))
	b.HandleEvent(ctx, "X", streamChunk("", bus.StatusCancelled))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 || got[0].Payload != "kept" {
		t.Fatalf("expected only the surviving contribution, got %+v", got)
	}
}

func TestHandleResetPreservesHumanPorts(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent),
		WithStreamingPorts("llm1"),
		WithHumanPorts("human_asr"),
	)
	ctx := context.Background()

	b.HandleEvent(ctx, "llm1", streamChunk("half a thought", bus.StatusStarted))
	b.HandleEvent(ctx, "human_asr", bus.NewEvent("what about costs?",
		bus.KeySessionStatus, bus.StatusComplete,
	))

	b.HandleEvent(ctx, bus.PortControl, bus.NewEvent(string(bus.CommandReset)))

	human := b.ports["human_asr"]
	if !human.ready || human.content() != "what about costs?" {
		t.Fatalf("expected the human contribution to survive the reset, got %+v", human)
	}
	llm := b.ports["llm1"]
	if llm.ready || llm.content() != "" {
		t.Fatalf("expected the mid-stream port to be cleared, got %+v", llm)
	}
	if len(b.queue) != 1 || b.queue[0] != "human_asr" {
		t.Fatalf("expected only the human port to stay queued, got %v", b.queue)
	}
}

func TestDrainSwallowsStragglersUntilFreshStart(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("llm1"))
	ctx := context.Background()

	b.HandleEvent(ctx, "llm1", streamChunk("old round", bus.StatusStarted))
	b.HandleEvent(ctx, bus.PortControl, bus.NewEvent(string(bus.CommandReset)))

	// Stragglers from the interrupted message are swallowed.
	b.HandleEvent(ctx, "llm1", streamChunk("stale tail", bus.StatusOngoing))
	b.HandleEvent(ctx, "llm1", streamChunk("", bus.StatusEnded))
	if len(bundles(sent)) != 0 {
		t.Fatalf("expected drained chunks to produce no bundle")
	}

	// A fresh start exits drain mode and accumulates normally.
	b.HandleEvent(ctx, "llm1", streamChunk("new round", bus.StatusStarted))
	b.HandleEvent(ctx, "llm1", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 || got[0].Payload != "new round" {
		t.Fatalf("expected the fresh message to bundle, got %+v", got)
	}
}

func TestErroredPortUsesTemplate(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent),
		WithStreamingPorts("A", "B"),
		WithErrorTemplate("({participant} could not respond)"),
	)
	ctx := context.Background()

	b.HandleEvent(ctx, "A", streamChunk("fine", bus.StatusStarted))
	b.HandleEvent(ctx, "B", streamChunk("Error: upstream exploded", bus.StatusError))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected one bundle, got %d", len(got))
	}
	if got[0].Payload != "fine\n(B could not respond)" {
		t.Fatalf("expected the templated notice, got %q", got[0].Payload)
	}
}

func TestErroredPortWithoutTemplateIsDropped(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A", "B"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", streamChunk("fine", bus.StatusStarted))
	b.HandleEvent(ctx, "B", streamChunk("Error: upstream exploded", bus.StatusError))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 || got[0].Payload != "fine" {
		t.Fatalf("expected the errored contribution to be dropped, got %+v", got)
	}
}

func TestNonStreamingPortIsReadyImmediately(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent))
	ctx := context.Background()

	b.HandleEvent(ctx, "announcer", bus.NewEvent("one-shot message"))

	got := bundles(sent)
	if len(got) != 1 || got[0].Payload != "one-shot message" {
		t.Fatalf("expected an immediate bundle, got %+v", got)
	}
}

func TestEmptyContributionsStillAdvanceTheRound(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusStarted))
	b.HandleEvent(ctx, "A", streamChunk("   ", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected an empty advance marker, got %+v", got)
	}
	if got[0].Payload != "" {
		t.Fatalf("expected whitespace-only content to contribute no text, got %q", got[0].Payload)
	}
	if got[0].Metadata.Value(bus.KeySessionStatus) != bus.StatusComplete {
		t.Fatalf("expected the advance marker to be terminal")
	}
	if len(b.queue) != 0 {
		t.Fatalf("expected the queue to be cleared even when nothing qualified, got %v", b.queue)
	}
}

func TestUntemplatedErrorAloneStillAdvancesTheRound(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", bus.NewEvent("Error: model unavailable",
		bus.KeySessionStatus, bus.StatusError,
		bus.KeyQuestionID, "2",
	))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected an empty advance marker for the errored round, got %+v", got)
	}
	if got[0].Payload != "" {
		t.Fatalf("expected no error text without a template, got %q", got[0].Payload)
	}
	if got[0].Metadata.Value(bus.KeyQuestionID) != "2" {
		t.Fatalf("expected the advance marker to carry the round's question id, got %q",
			got[0].Metadata.Value(bus.KeyQuestionID))
	}

	// Cancelled contributions stay silent: the interrupt path already
	// redrives the round, so no advance marker may race it.
	sent = sent[:0]
	b.HandleEvent(ctx, "A", streamChunk("partial", bus.StatusStarted))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusCancelled))
	if got := bundles(sent); len(got) != 0 {
		t.Fatalf("expected a cancelled round to emit nothing, got %+v", got)
	}
}

func TestDrainedStragglerDoesNotRetagTheBundle(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("llm1", "llm2"))
	ctx := context.Background()

	b.HandleEvent(ctx, "llm1", bus.NewEvent("old round",
		bus.KeySessionStatus, bus.StatusStarted,
		bus.KeyQuestionID, "2",
	))
	reset := bus.ControlPayload{Command: bus.CommandReset, QuestionID: "258"}
	b.HandleEvent(ctx, bus.PortControl, bus.NewEvent(reset.Encode()))

	// The new round opens before the interrupted stream's tail lands.
	b.HandleEvent(ctx, "llm2", bus.NewEvent("kept",
		bus.KeySessionStatus, bus.StatusStarted,
		bus.KeyQuestionID, "258",
	))
	b.HandleEvent(ctx, "llm1", bus.NewEvent("stale tail",
		bus.KeySessionStatus, bus.StatusOngoing,
		bus.KeyQuestionID, "2",
	))
	b.HandleEvent(ctx, "llm2", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 || got[0].Payload != "kept" {
		t.Fatalf("expected only the new round's content, got %+v", got)
	}
	if got[0].Metadata.Value(bus.KeyQuestionID) != "258" {
		t.Fatalf("expected the bundle to keep the new question id, got %q",
			got[0].Metadata.Value(bus.KeyQuestionID))
	}
}

func TestQuestionIDRidesOnTheBundle(t *testing.T) {
	var sent []sentEvent
	b := New("bridge", recordingEmit(&sent), WithStreamingPorts("A"))
	ctx := context.Background()

	b.HandleEvent(ctx, "A", bus.NewEvent("content",
		bus.KeySessionStatus, bus.StatusStarted,
		bus.KeyQuestionID, "258",
	))
	b.HandleEvent(ctx, "A", streamChunk("", bus.StatusEnded))

	got := bundles(sent)
	if len(got) != 1 {
		t.Fatalf("expected one bundle, got %d", len(got))
	}
	if got[0].Metadata.Value(bus.KeyQuestionID) != "258" {
		t.Fatalf("expected the bundle to carry question id 258, got %q",
			got[0].Metadata.Value(bus.KeyQuestionID))
	}
}
