package server

import "testing"

func TestEventBroadcasterSubscribeReplaysLastEvent(t *testing.T) {
	eb := NewEventBroadcaster()
	eb.Broadcast(ProgressEvent{JobID: "job1", Iteration: 5})

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	select {
	case ev := <-ch:
		if ev.Iteration != 5 {
			t.Fatalf("replayed event Iteration = %d, want 5", ev.Iteration)
		}
	default:
		t.Fatal("expected replayed last event on subscribe")
	}
}

func TestEventBroadcasterFansOutToMultipleClients(t *testing.T) {
	eb := NewEventBroadcaster()
	ch1 := eb.Subscribe("job1")
	ch2 := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch1)
	defer eb.Unsubscribe("job1", ch2)

	eb.Broadcast(ProgressEvent{JobID: "job1", Iteration: 1})

	for _, ch := range []chan ProgressEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Iteration != 1 {
				t.Fatalf("Iteration = %d, want 1", ev.Iteration)
			}
		default:
			t.Fatal("expected event on both subscribed channels")
		}
	}
}

func TestEventBroadcasterCleanupJobClosesChannels(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")
	eb.CleanupJob("job1")

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after CleanupJob")
	}
}

func TestEventBroadcasterUnsubscribeRemovesClient(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")
	eb.Unsubscribe("job1", ch)

	eb.Broadcast(ProgressEvent{JobID: "job1", Iteration: 9})
	if _, ok := eb.clients["job1"]; ok {
		t.Fatal("expected empty client set removed after last unsubscribe")
	}
}
