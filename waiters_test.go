//nolint:testpackage // Waiter hub tests exercise unexported internals.
package strata

import (
	"sync"
	"testing"
	"time"
)

func TestWaiters_DeliverWakesAllParked(t *testing.T) {
	h := newJobWaiterHub()
	first := h.register("layer-1")
	second := h.register("layer-1")

	h.deliver(jobResult{LayerID: "layer-1", Status: BuildStatusSuccess})

	for _, ch := range []chan jobResult{first, second} {
		select {
		case got := <-ch:
			if got.Status != BuildStatusSuccess {
				t.Fatalf("unexpected status %q", got.Status)
			}
		case <-time.After(1 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestWaiters_DeliverOnlyMatchingLayer(t *testing.T) {
	h := newJobWaiterHub()
	other := h.register("layer-other")

	h.deliver(jobResult{LayerID: "layer-1", Status: BuildStatusFailure, Exception: "boom"})

	select {
	case <-other:
		t.Fatal("waiter on a different layer was woken")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaiters_UnregisterAndDeliverNoPanic(_ *testing.T) {
	h := newJobWaiterHub()

	for range 100 {
		ch := h.register("layer-race")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 200 {
				h.deliver(jobResult{LayerID: "layer-race", Status: BuildStatusSuccess})
			}
		}()
		go func() {
			defer wg.Done()
			h.unregister("layer-race", ch)
		}()
		wg.Wait()
	}
}
