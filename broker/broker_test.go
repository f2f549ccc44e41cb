package broker

import (
	"testing"
	"time"
)

func TestBroker_DeliverCompletesWaiter(t *testing.T) {
	b := New(nil)

	ch, err := b.Expect("r1", time.Second)
	if err != nil {
		t.Fatalf("Expect failed: %v", err)
	}

	if !b.Deliver("r1", Response{OK: true, Data: map[string]any{"x": 1}}) {
		t.Fatal("Deliver found no waiter")
	}

	select {
	case resp := <-ch:
		if !resp.OK || resp.Data["x"] != 1 {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never completed")
	}

	if b.Pending() != 0 {
		t.Fatalf("pending = %d after delivery, want 0", b.Pending())
	}
}

func TestBroker_SecondDeliveryDropped(t *testing.T) {
	b := New(nil)

	b.Expect("r1", time.Second)
	if !b.Deliver("r1", Response{OK: true}) {
		t.Fatal("first delivery failed")
	}
	if b.Deliver("r1", Response{OK: false}) {
		t.Fatal("second delivery found a waiter")
	}
}

func TestBroker_UnknownIDDropped(t *testing.T) {
	b := New(nil)
	if b.Deliver("ghost", Response{OK: true}) {
		t.Fatal("delivery to unknown id succeeded")
	}
}

func TestBroker_DuplicateExpectRejected(t *testing.T) {
	b := New(nil)
	if _, err := b.Expect("r1", time.Second); err != nil {
		t.Fatalf("first Expect failed: %v", err)
	}
	if _, err := b.Expect("r1", time.Second); err == nil {
		t.Fatal("duplicate Expect accepted")
	}
}

func TestBroker_CancelRemovesEntry(t *testing.T) {
	b := New(nil)
	b.Expect("r1", time.Second)
	b.Cancel("r1")

	if b.Pending() != 0 {
		t.Fatal("entry survived Cancel")
	}
	if b.Deliver("r1", Response{OK: true}) {
		t.Fatal("delivery after Cancel found a waiter")
	}
}

func TestBroker_SweepExpired(t *testing.T) {
	b := New(nil)

	ch, _ := b.Expect("old", 10*time.Millisecond)
	b.Expect("fresh", time.Minute)

	n := b.SweepExpired(time.Now().Add(10*time.Millisecond + expireBuffer + time.Millisecond))
	if n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d after sweep, want 1", b.Pending())
	}

	select {
	case resp := <-ch:
		if resp.OK || resp.Err == nil {
			t.Fatalf("swept waiter got %+v, want timeout error", resp)
		}
		if !resp.Err.Retriable {
			t.Fatal("sweep timeout should be retriable")
		}
	case <-time.After(time.Second):
		t.Fatal("swept waiter never notified")
	}
}
