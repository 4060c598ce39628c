package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAcquireFirstClientBecomesLeader(t *testing.T) {
	name := "t-" + uuid.NewString()
	c, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release()

	if !c.IsLeader() {
		t.Fatalf("IsLeader = false, want true for the sole client")
	}
}

func TestSecondClientIsFollower(t *testing.T) {
	name := "t-" + uuid.NewString()
	c1, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c1: %v", err)
	}
	defer c1.Release()

	c2, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c2: %v", err)
	}
	defer c2.Release()

	if c2.IsLeader() {
		t.Fatalf("IsLeader = true for second client, want false")
	}
}

func TestInvokeRoutesToLeaderHandler(t *testing.T) {
	name := "t-" + uuid.NewString()
	c1, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c1: %v", err)
	}
	defer c1.Release()

	c1.SetHandler(func(method string, args json.RawMessage) (json.RawMessage, error) {
		if method != "echo" {
			t.Fatalf("method = %q, want echo", method)
		}
		return args, nil
	})

	c2, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c2: %v", err)
	}
	defer c2.Release()

	result, err := c2.Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(result) != `{"a":1}` {
		t.Fatalf("result = %s, want {\"a\":1}", result)
	}
}

func TestReleaseLeaderPromotesWaiter(t *testing.T) {
	name := "t-" + uuid.NewString()
	c1, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c1: %v", err)
	}

	c2, err := Acquire(name)
	if err != nil {
		t.Fatalf("Acquire c2: %v", err)
	}
	defer c2.Release()

	promoted := make(chan struct{}, 1)
	c2.OnPromotion(func() error {
		promoted <- struct{}{}
		return nil
	})

	if err := c1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case <-promoted:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was never promoted after leader released")
	}

	if !c2.IsLeader() {
		t.Fatalf("IsLeader = false after promotion, want true")
	}
}
