package bus

import (
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"heartrate", false},
		{"heartrate.samples", false},
		{"notifications.push.v1", false},
		{"", true},
		{"a..b", true},
		{".a", true},
		{"a.*", true},
		{"a.>", true},
		{"has space", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_PayloadIsCopied(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	data := []byte("abc")
	bus.Publish("test", data)
	data[0] = 'z'

	msg := <-sub.Messages()
	if string(msg.Data) != "abc" {
		t.Errorf("subscriber saw caller mutation: %q", msg.Data)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	slow, _ := bus.Subscribe("test")
	fast, _ := bus.Subscribe("test")

	for i := 0; i < 5; i++ {
		bus.Publish("test", []byte{byte(i)})
		<-fast.Messages()
	}

	if slow.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast Dropped() = %d, want 0", fast.Dropped())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed")
	}

	// Publishing after the only subscriber left must not panic.
	if err := bus.Publish("test", []byte("x")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

// --- Failure Tests ---

func TestMemoryBus_AfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("subscription should be closed with the bus")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after close: %v", err)
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 4})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				bus.Publish("test", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub, err := bus.Subscribe("test")
				if err != nil {
					return
				}
				sub.Unsubscribe()
			}
		}()
	}
	wg.Wait()
}
