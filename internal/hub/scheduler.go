package hub

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hay-kot/lrmq/internal/metrics"
)

// Run admits queued sessions and drives them until only the system session
// is left or ctx is cancelled. It returns the exit code requested through the
// system RPC surface.
func (h *Hub) Run(ctx context.Context) (int, error) {
	h.log.Info().Str("event", evHubStart).Msg("hub started")

	g, gctx := errgroup.WithContext(ctx)
	start := func(m member) {
		g.Go(func() error {
			m.run(gctx)
			h.markFinished(m)
			return nil
		})
	}

	// Nothing to supervise besides the system session.
	if h.pendingCount() > 1 {
		h.admit(start)
	}

	timer := time.NewTimer(h.opts.Heartbeat)
	defer timer.Stop()

loop:
	for h.activeCount() >= 2 {
		select {
		case <-ctx.Done():
			h.log.Info().Err(ctx.Err()).Msg("hub interrupted")
			break loop
		case <-h.wake:
		case <-timer.C:
		}
		timer.Reset(h.opts.Heartbeat)

		h.admit(start)
		h.log.Debug().Str("event", evHubLoop).Int("active", h.activeCount()).Msg("scheduler pass")
	}

	h.log.Info().Str("event", evHubFinish).Msg("hub finished")
	h.system.stop()
	err := g.Wait()
	h.reap()

	return h.ExitCode(), err
}

func (h *Hub) pendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// admit moves every pending session into the running set and starts it.
func (h *Hub) admit(start func(member)) {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.running = append(h.running, batch...)
	h.mu.Unlock()

	for _, m := range batch {
		h.log.Debug().Str("event", evHubAdmit).Str("agent", m.Name()).Msg("admitting agent")
		start(m)
	}
	h.updateSessionMetrics()
}

func (h *Hub) markFinished(m member) {
	h.mu.Lock()
	h.finished[m] = true
	h.mu.Unlock()
	h.Signal()
}

// reap moves finished sessions from the running set to the stopped set.
func (h *Hub) reap() {
	h.mu.Lock()
	kept := h.running[:0]
	for _, m := range h.running {
		if h.finished[m] {
			delete(h.finished, m)
			h.stopped = append(h.stopped, m)
			continue
		}
		kept = append(kept, m)
	}
	clear(h.running[len(kept):])
	h.running = kept
	h.mu.Unlock()

	h.updateSessionMetrics()
}

// activeCount reaps finished sessions and returns how many are running or
// waiting to be admitted, the system session included. Both sets are read
// under one lock so a session attached after the last admit keeps the loop
// alive until it is admitted.
func (h *Hub) activeCount() int {
	h.reap()
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running) + len(h.pending)
}

func (h *Hub) updateSessionMetrics() {
	counts := make(map[string]int)
	for _, a := range h.Agents() {
		counts[a.State]++
	}
	metrics.SetSessions(allStateNames(), counts)
}
