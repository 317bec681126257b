package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tessira/flowrt/pkg/schema"
)

func TestHub_TypedSubscriptions(t *testing.T) {
	hub := NewHub(nil, 4)
	defer hub.Close()

	var ready, failed int64
	hub.OnReady(func(ctx context.Context, ev Event) { atomic.AddInt64(&ready, 1) })
	hub.OnFailed(func(ctx context.Context, ev Event) { atomic.AddInt64(&failed, 1) })

	ctx := context.Background()
	hub.Publish(ctx, Event{Type: schema.EventNodeReady, InstanceID: "wf-1"})
	hub.Publish(ctx, Event{Type: schema.EventNodeReady, InstanceID: "wf-1"})
	hub.Publish(ctx, Event{Type: schema.EventNodeFailed, InstanceID: "wf-1"})
	hub.Drain()

	if atomic.LoadInt64(&ready) != 2 {
		t.Errorf("ready handler ran %d times, want 2", ready)
	}
	if atomic.LoadInt64(&failed) != 1 {
		t.Errorf("failed handler ran %d times, want 1", failed)
	}
}

func TestHub_PanickingHandlerIsolated(t *testing.T) {
	hub := NewHub(nil, 4)
	defer hub.Close()

	var delivered int64
	hub.OnReady(func(ctx context.Context, ev Event) { panic("bad subscriber") })
	hub.OnReady(func(ctx context.Context, ev Event) { atomic.AddInt64(&delivered, 1) })

	hub.Publish(context.Background(), Event{Type: schema.EventNodeReady, InstanceID: "wf-1"})
	hub.Drain()

	if atomic.LoadInt64(&delivered) != 1 {
		t.Error("panicking handler prevented delivery to the other subscriber")
	}
	if hub.PoolMetrics().Panics != 1 {
		t.Errorf("expected 1 recovered panic, got %d", hub.PoolMetrics().Panics)
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub(nil, 1)
	defer hub.Close()

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	hub.OnReady(func(ctx context.Context, ev Event) {
		wg.Done()
		<-block
	})

	ctx := context.Background()
	hub.Publish(ctx, Event{Type: schema.EventNodeReady, InstanceID: "wf-1"})
	wg.Wait() // handler now occupies the only slot

	done := make(chan struct{})
	go func() {
		hub.Publish(ctx, Event{Type: schema.EventNodeReady, InstanceID: "wf-1"})
		close(done)
	}()

	select {
	case <-done:
		// Publish returned promptly; delivery was dropped, not blocked.
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if hub.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", hub.Dropped())
	}

	close(block)
	hub.Drain()
}

func TestHub_OnInstanceDoneCoversBothTerminals(t *testing.T) {
	hub := NewHub(nil, 2)
	defer hub.Close()

	var seen int64
	hub.OnInstanceDone(func(ctx context.Context, ev Event) { atomic.AddInt64(&seen, 1) })

	ctx := context.Background()
	hub.Publish(ctx, Event{Type: schema.EventInstanceCompleted, InstanceID: "wf-1"})
	hub.Publish(ctx, Event{Type: schema.EventInstanceFailed, InstanceID: "wf-2"})
	hub.Drain()

	if atomic.LoadInt64(&seen) != 2 {
		t.Errorf("instance-done handler ran %d times, want 2", seen)
	}
}
