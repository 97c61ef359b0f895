package kernel

import (
	"sync"
	"testing"
)

func TestPollChannelFIFOOrder(t *testing.T) {
	p := NewPollChannel()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		p.Submit(func() { order = append(order, i) })
	}
	p.Drain()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestPollChannelActionsSubmittedDuringDrainRunSameDrain(t *testing.T) {
	p := NewPollChannel()
	var order []string
	p.Submit(func() {
		order = append(order, "first")
		p.Submit(func() { order = append(order, "nested") })
	})
	p.Drain()
	want := []string{"first", "nested"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("got %v, want %v", order, want)
	}
	if p.Len() != 0 {
		t.Fatalf("expected channel drained, len=%d", p.Len())
	}
}

func TestPollChannelConcurrentSubmit(t *testing.T) {
	p := NewPollChannel()
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	p.Drain()
	if count != 100 {
		t.Fatalf("expected 100 actions to run, got %d", count)
	}
}
