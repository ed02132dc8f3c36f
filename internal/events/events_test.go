package events

import "testing"

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := uint64(1); i <= 10; i++ {
		bus.Publish(TerminalOutput{SessionID: "s", Seq: i})
	}

	for i := uint64(1); i <= 10; i++ {
		ev := <-ch
		out, ok := ev.(TerminalOutput)
		if !ok {
			t.Fatalf("unexpected event type %T", ev)
		}
		if out.Seq != i {
			t.Fatalf("seq %d delivered out of order (want %d)", out.Seq, i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(UploadStage{TaskID: "t", Stage: StageDone})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe() // never drained
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(TransferProgress{TaskID: "t"})
	}
	// Reaching here means Publish never blocked on the full buffer.
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Subscribe()
	b, _ := bus.Subscribe()
	bus.Close()
	if _, ok := <-a; ok {
		t.Fatal("subscriber a should be closed")
	}
	if _, ok := <-b; ok {
		t.Fatal("subscriber b should be closed")
	}
}
