package events

import "testing"

func TestBus(t *testing.T) {
	var b Bus[int]

	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(0)
	defer unsubC()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3) // dropped for a, buffer full

	if v := <-a; v != 1 {
		t.Fatalf("expected 1, got %d", v)
	} else if v := <-a; v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}

	select {
	case v := <-c:
		t.Fatalf("unbuffered subscriber should not receive, got %d", v)
	default:
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(4)
}
