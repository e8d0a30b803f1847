package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func blockingWorker(release <-chan struct{}) Worker {
	return func(ctx context.Context, evt Event) Outcome {
		select {
		case <-release:
			return Outcome{Status: StatusCompleted}
		case <-ctx.Done():
			return Outcome{Status: StatusCancelled}
		}
	}
}

func TestHandleEventDedup(t *testing.T) {
	release := make(chan struct{})
	close(release)
	s := New(Options{Worker: blockingWorker(release)})

	var cc cycleCounters
	evt := Event{Key: "env1", ChannelID: "c1", OccurredUnixMs: time.Now().UnixMilli()}
	s.HandleEvent(evt, &cc)
	s.HandleEvent(evt, &cc)

	if cc.discovered != 1 {
		t.Fatalf("expected 1 discovered, got %d", cc.discovered)
	}
	if cc.duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %d", cc.duplicates)
	}
}

func TestStalenessGateDrops(t *testing.T) {
	s := New(Options{Worker: blockingWorker(make(chan struct{})), MaxEventAge: time.Second})
	var cc cycleCounters
	evt := Event{Key: "old1", ChannelID: "c1", OccurredUnixMs: time.Now().Add(-time.Hour).UnixMilli()}
	s.HandleEvent(evt, &cc)
	if cc.discovered != 0 {
		t.Fatalf("stale event should not be discovered, got %d", cc.discovered)
	}
	s.mu.Lock()
	depth := len(s.channelQueues["c1"])
	s.mu.Unlock()
	if depth != 0 {
		t.Fatalf("stale event should not be queued, queue depth=%d", depth)
	}
}

func TestAtMostOneActiveRunPerChannel(t *testing.T) {
	release := make(chan struct{})
	var started int32Counter
	worker := func(ctx context.Context, evt Event) Outcome {
		started.inc()
		<-release
		return Outcome{Status: StatusCompleted}
	}
	s := New(Options{Worker: worker})

	var cc cycleCounters
	for i := 0; i < 3; i++ {
		s.HandleEvent(Event{Key: "k" + string(rune('a'+i)), ChannelID: "c1", OccurredUnixMs: time.Now().UnixMilli()}, &cc)
	}
	s.TryStartQueuedRuns(context.Background())

	if n := s.ActiveRunCount(); n != 1 {
		t.Fatalf("expected 1 active run for single channel, got %d", n)
	}
	close(release)
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestTieBreakDeterministicByChannelID(t *testing.T) {
	var order []string
	var mu sync.Mutex
	release := make(chan struct{})
	worker := func(ctx context.Context, evt Event) Outcome {
		mu.Lock()
		order = append(order, evt.ChannelID)
		mu.Unlock()
		<-release
		return Outcome{Status: StatusCompleted}
	}
	s := New(Options{Worker: worker, QueueLimit: 1})

	var cc cycleCounters
	s.HandleEvent(Event{Key: "k1", ChannelID: "zeta", OccurredUnixMs: time.Now().UnixMilli()}, &cc)
	s.HandleEvent(Event{Key: "k2", ChannelID: "alpha", OccurredUnixMs: time.Now().UnixMilli()}, &cc)

	s.TryStartQueuedRuns(context.Background())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "alpha" {
		t.Fatalf("expected alpha to start first under queue limit, got %v", order)
	}
	close(release)
}
