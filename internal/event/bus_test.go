package event

import "testing"

func TestPublishInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(MessageReceived, func(any) {
			order = append(order, i)
		})
	}

	bus.Publish(MessageReceived, "payload")

	if len(order) != 3 {
		t.Fatalf("invoked %d handlers, want 3", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("invocation order = %v, want registration order", order)
		}
	}
}

func TestPublishDeliversPayload(t *testing.T) {
	bus := NewBus()
	var got any
	bus.Subscribe(RoomJoined, func(payload any) { got = payload })

	bus.Publish(RoomJoined, 42)
	if got != 42 {
		t.Errorf("payload = %v, want 42", got)
	}
}

func TestPublishSkipsOtherChannels(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe(RoomJoined, func(any) { called = true })

	bus.Publish(RoomLeft, nil)
	if called {
		t.Error("handler on another channel invoked")
	}
}

func TestCancelRemovesExactlyOneHandler(t *testing.T) {
	bus := NewBus()
	counts := make([]int, 3)
	var cancels []func()
	for i := 0; i < 3; i++ {
		i := i
		cancels = append(cancels, bus.Subscribe(MessageReceived, func(any) {
			counts[i]++
		}))
	}

	cancels[1]()
	bus.Publish(MessageReceived, nil)

	if counts[0] != 1 || counts[1] != 0 || counts[2] != 1 {
		t.Errorf("counts = %v, want [1 0 1]", counts)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	first := 0
	second := 0
	cancel := bus.Subscribe(MessageReceived, func(any) { first++ })
	bus.Subscribe(MessageReceived, func(any) { second++ })

	cancel()
	cancel()
	bus.Publish(MessageReceived, nil)

	if first != 0 {
		t.Error("cancelled handler invoked")
	}
	if second != 1 {
		t.Errorf("surviving handler invoked %d times, want 1", second)
	}
}

func TestDuplicateHandlersCancelIndependently(t *testing.T) {
	bus := NewBus()
	count := 0
	fn := func(any) { count++ }

	cancelA := bus.Subscribe(MessageReceived, fn)
	bus.Subscribe(MessageReceived, fn)

	cancelA()
	bus.Publish(MessageReceived, nil)

	if count != 1 {
		t.Errorf("count = %d, want 1 (only one registration cancelled)", count)
	}
}

func TestSubscribeDuringPublishTakesEffectNextPublish(t *testing.T) {
	bus := NewBus()
	lateCalls := 0
	bus.Subscribe(MessageReceived, func(any) {
		bus.Subscribe(MessageReceived, func(any) { lateCalls++ })
	})

	bus.Publish(MessageReceived, nil)
	if lateCalls != 0 {
		t.Error("handler registered mid-publish was invoked in the same publish")
	}

	bus.Publish(MessageReceived, nil)
	if lateCalls != 1 {
		t.Errorf("late handler invoked %d times after second publish, want 1", lateCalls)
	}
}
