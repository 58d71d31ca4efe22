package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bigheads/identity"
	"bigheads/store"
)

const outboxSweepInterval = 30 * time.Second

// OnPeerConnected flushes any outbox entries addressed directly to
// peer, or whose best route currently points at peer, attempting each
// once; a failed send is left for the next sweep.
func (d *Dispatcher) OnPeerConnected(peer identity.NodeID) {
	direct, err := d.st.OutboxPopFor(peer)
	if err != nil {
		d.log.Error("outbox lookup on connect failed", zap.Error(err))
		return
	}
	relayed, err := d.outboxRoutedThrough(peer)
	if err != nil {
		d.log.Error("outbox route lookup on connect failed", zap.Error(err))
		return
	}
	entries := append(direct, relayed...)
	for _, e := range entries {
		if err := d.sender.Write(peer, d.nextStreamID(), e.EnvelopeData, int(d.cfg.PacketSizeLimit())); err != nil {
			d.log.Debug("outbox flush send failed, left for next sweep", zap.Error(err))
			continue
		}
		if err := d.st.OutboxDelete(e.Dest, e.MsgID); err != nil {
			d.log.Error("outbox delete after flush failed", zap.Error(err))
		}
	}
}

// outboxRoutedThrough returns every outbox entry whose dest is not
// peer directly but whose best known route currently names peer as
// next hop, so a unicast entry reachable only via a relay still
// flushes when that relay (re)connects.
func (d *Dispatcher) outboxRoutedThrough(peer identity.NodeID) ([]store.OutboxEntry, error) {
	all, err := d.st.OutboxAll()
	if err != nil {
		return nil, err
	}
	var routed []store.OutboxEntry
	for _, e := range all {
		if e.Dest == peer {
			continue
		}
		best, ok, err := d.st.RouteBest(e.Dest, time.Now())
		if err != nil || !ok || best != peer {
			continue
		}
		routed = append(routed, e)
	}
	return routed, nil
}

// RunOutboxSweeper periodically retries outbox entries against every
// currently connected peer and age-expires entries older than the
// store's outbox retention window. Meant to run on its own goroutine.
func (d *Dispatcher) RunOutboxSweeper(ctx context.Context) {
	ticker := time.NewTicker(outboxSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOutbox()
		}
	}
}

func (d *Dispatcher) sweepOutbox() {
	dropped, err := d.st.OutboxAgeSweep(time.Now())
	if err != nil {
		d.log.Error("outbox age sweep failed", zap.Error(err))
	} else if dropped > 0 {
		d.log.Info("outbox entries expired", zap.Int("dropped", dropped))
	}

	connected := d.sender.ConnectedPeers()
	for _, peer := range connected {
		d.OnPeerConnected(peer)
	}
}
