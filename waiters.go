package strata

import "sync"

////////////////////////////////////////////////////////////////////////////////
// Wait hub: Join long-polls block here until a build job settles
////////////////////////////////////////////////////////////////////////////////

// jobResult is a settled build job as delivered to waiters.
type jobResult struct {
	LayerID   string
	Status    BuildStatus
	Exception string
}

// jobWaiterHub fans one terminal job result out to every Join request
// currently parked on that layer ID. Multiple clients may poll the same job.
type jobWaiterHub struct {
	mu      sync.Mutex
	waiters map[string][]chan jobResult
}

func newJobWaiterHub() *jobWaiterHub {
	return &jobWaiterHub{
		mu:      sync.Mutex{},
		waiters: map[string][]chan jobResult{},
	}
}

// register parks a waiter on layerID. The channel is buffered so delivery
// never blocks the builder.
func (h *jobWaiterHub) register(layerID string) chan jobResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan jobResult, 1)
	h.waiters[layerID] = append(h.waiters[layerID], ch)
	return ch
}

// unregister removes one parked waiter; the long-poll ceiling expired or the
// request context died.
func (h *jobWaiterHub) unregister(layerID string, ch chan jobResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	parked := h.waiters[layerID]
	for i, existing := range parked {
		if existing == ch {
			h.waiters[layerID] = append(parked[:i], parked[i+1:]...)
			break
		}
	}
	if len(h.waiters[layerID]) == 0 {
		delete(h.waiters, layerID)
	}
}

// deliver settles every waiter parked on the result's layer ID.
func (h *jobWaiterHub) deliver(res jobResult) {
	h.mu.Lock()
	parked := h.waiters[res.LayerID]
	delete(h.waiters, res.LayerID)
	h.mu.Unlock()
	for _, ch := range parked {
		select {
		case ch <- res:
		default:
		}
	}
}
