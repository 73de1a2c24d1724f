package central

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// workerTick is the scheduler pass interval (§5: "10 ms sleep loop").
const workerTick = 10 * time.Millisecond

// minPeerWindow bounds how little time a single peer's Tick gets when
// worker_window is divided across many peers (§5: "per-peer window =
// worker_window / num_peers clamped").
const minPeerWindow = 1 * time.Millisecond

// StartWorker launches the round-robin worker loop in g and returns at
// once; the loop itself returns once c.ctx is cancelled. g coordinates its shutdown alongside every
// interface's listen loop under one errgroup (§5's "join worker" on
// shutdown).
func (c *Central) StartWorker(g *errgroup.Group, workerWindow time.Duration) {
	g.Go(func() error {
		ticker := time.NewTicker(workerTick)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return nil
			case now := <-ticker.C:
				c.workerPass(now, workerWindow)
			}
		}
	})
}

// workerPass round-robins every peer once. Tick isn't preemptible, so
// the per-peer window (§5) is enforced as a soft budget: a Tick that
// overruns it is logged, not interrupted.
func (c *Central) workerPass(now time.Time, workerWindow time.Duration) {
	peers := c.Peers()
	if len(peers) == 0 {
		return
	}
	window := workerWindow / time.Duration(len(peers))
	if window < minPeerWindow {
		window = minPeerWindow
	}
	for _, p := range peers {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		start := time.Now()
		p.Tick(now)
		if elapsed := time.Since(start); elapsed > window {
			c.log.Warnf("worker pass: peer %s tick took %s, over its %s window", p.Address, elapsed, window)
		}
	}
}
