package toolexec

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegisterPublishesArmedEntry(t *testing.T) {
	c := newCoordinator(time.Minute)
	ch := c.register("r1", "srv")

	c.mu.Lock()
	p := c.pending["r1"]
	armed := p != nil && p.timer != nil
	c.mu.Unlock()
	if !armed {
		t.Fatal("Entry must be published with its eviction timer already armed")
	}

	// A sweep right after registration must deliver the rejection.
	c.rejectServer("srv", ErrExecutionFinished)
	select {
	case out := <-ch:
		if !errors.Is(out.err, ErrExecutionFinished) {
			t.Fatalf("Expected ErrExecutionFinished, got %v", out.err)
		}
	default:
		t.Fatal("Sweep did not deliver an outcome")
	}
	if c.has("r1") {
		t.Error("Swept entry should be gone")
	}
}

func TestSweepDuringRegistration(t *testing.T) {
	c := newCoordinator(time.Minute)

	chans := make([]<-chan elicitationOutcome, 50)
	var wg sync.WaitGroup
	for i := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chans[i] = c.register(fmt.Sprintf("r%d", i), "srv")
		}()
	}

	stop := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-stop:
				return
			default:
				c.rejectServer("srv", ErrExecutionFinished)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-swept
	// Final sweep catches entries registered after the last concurrent one.
	c.rejectServer("srv", ErrExecutionFinished)

	for i, ch := range chans {
		select {
		case out := <-ch:
			if !errors.Is(out.err, ErrExecutionFinished) {
				t.Errorf("Request %d: expected ErrExecutionFinished, got %v", i, out.err)
			}
		default:
			t.Errorf("Request %d: no outcome delivered", i)
		}
	}
}
