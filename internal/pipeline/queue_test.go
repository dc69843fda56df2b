package pipeline

import (
	"context"
	"testing"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	a := &gateway.QueueItem{ReqID: "a"}
	b := &gateway.QueueItem{ReqID: "b"}
	c := &gateway.QueueItem{ReqID: "c"}
	q.Push(a)
	q.Push(b)
	q.Push(c)

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop(ctx)
		if !ok || got.ReqID != want {
			t.Fatalf("Pop() = %v, %v; want %s", got, ok, want)
		}
	}
}

func TestQueuePushFrontTakesPriority(t *testing.T) {
	q := NewQueue()
	q.Push(&gateway.QueueItem{ReqID: "normal"})
	q.PushFront(&gateway.QueueItem{ReqID: "urgent"})

	got, ok := q.Pop(context.Background())
	if !ok || got.ReqID != "urgent" {
		t.Fatalf("Pop() = %v; want urgent head", got)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *gateway.QueueItem, 1)
	go func() {
		item, ok := q.Pop(ctx)
		if ok {
			done <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(&gateway.QueueItem{ReqID: "late"})

	select {
	case item := <-done:
		if item.ReqID != "late" {
			t.Fatalf("got %s, want late", item.ReqID)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestQueueSweepDisconnectedMarksAndPreservesOrder(t *testing.T) {
	q := NewQueue()
	alive := &gateway.QueueItem{ReqID: "alive", HTTPRequestAlive: func() bool { return true }}
	dead := &gateway.QueueItem{ReqID: "dead", HTTPRequestAlive: func() bool { return false }}
	q.Push(alive)
	q.Push(dead)

	var notified []string
	q.SweepDisconnected(10, func(item *gateway.QueueItem) bool {
		notified = append(notified, item.ReqID)
		return true
	})

	if len(notified) != 1 || notified[0] != "dead" {
		t.Fatalf("notified = %v; want [dead]", notified)
	}
	if !dead.Cancelled {
		t.Fatal("dead item should be marked cancelled")
	}

	first, _ := q.Pop(context.Background())
	if first.ReqID != "alive" {
		t.Fatalf("order disturbed: got %s first", first.ReqID)
	}
}
