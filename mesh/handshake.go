package mesh

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bigheads/bus"
	"bigheads/cryptochan"
	"bigheads/identity"
	"bigheads/wire"
)

const handshakeRetrySweepInterval = 5 * time.Second

// ensureSession returns an established pairwise session with dest, or
// kicks off a fresh handshake (unless one is already in flight) and
// reports that none is available yet. On ok=false SendText queues the
// text in pendingSends, which flushPendingSends transmits once the
// HANDSHAKE_RESP installs a session; SendFile returns an error instead.
func (d *Dispatcher) ensureSession(dest identity.NodeID) (*cryptochan.Session, bool) {
	if sess, ok := d.sess.Pairwise(dest); ok {
		return sess, true
	}
	if d.sess.State(dest) != cryptochan.StateNone {
		return nil, false
	}

	h, err := d.sess.StartHandshake(dest, cryptochan.RoleInitiator)
	if err != nil {
		d.log.Error("start handshake failed", zap.String("peer", dest.String()), zap.Error(err))
		return nil, false
	}
	d.markHandshakePending(dest)
	d.sendHandshakeEnvelope(dest, wire.KindHandshakeInit, h.EphemeralPub)
	d.bus.Publish(bus.TopicHandshake, bus.Event{Kind: bus.EventHandshakeInitSent, Peer: dest})
	return nil, false
}

func (d *Dispatcher) sendHandshakeEnvelope(dest identity.NodeID, kind wire.Kind, ephemeral identity.PublicKey) {
	env := &wire.Envelope{
		MsgID:      uuid.New(),
		Origin:     d.self,
		Dest:       dest,
		Kind:       kind,
		TTL:        d.cfg.TTLDefault(),
		TS:         uint64(time.Now().UnixMilli()),
		Ciphertext: append([]byte(nil), ephemeral[:]...),
	}
	if _, err := d.st.SeenAdd(env.MsgID); err != nil {
		d.log.Error("seen store write failed on handshake send", zap.Error(err))
	}
	d.transmit(env)
}

// handleHandshake processes an inbound HANDSHAKE_INIT or HANDSHAKE_RESP.
// Both carry the sender's cleartext ephemeral X25519 public key as the
// envelope's whole ciphertext field; there is nothing to decrypt.
func (d *Dispatcher) handleHandshake(env *wire.Envelope) {
	if len(env.Ciphertext) != len(identity.PublicKey{}) {
		d.log.Debug("malformed handshake payload, dropping", zap.Int("len", len(env.Ciphertext)))
		return
	}
	var peerEphemeral identity.PublicKey
	copy(peerEphemeral[:], env.Ciphertext)

	switch env.Kind {
	case wire.KindHandshakeInit:
		h, err := d.sess.StartHandshake(env.Origin, cryptochan.RoleResponder)
		if err != nil {
			d.log.Error("start responder handshake failed", zap.Error(err))
			return
		}
		if _, err := d.sess.CompleteHandshake(env.Origin, peerEphemeral); err != nil {
			d.log.Error("complete responder handshake failed", zap.Error(err))
			return
		}
		d.clearHandshakePending(env.Origin)
		d.bus.Publish(bus.TopicHandshake, bus.Event{Kind: bus.EventHandshakeEstablished, Peer: env.Origin})
		d.sendHandshakeEnvelope(env.Origin, wire.KindHandshakeResp, h.EphemeralPub)
		d.flushPendingSends(env.Origin)
		d.OnPeerConnected(env.Origin)

	case wire.KindHandshakeResp:
		sess, err := d.sess.CompleteHandshake(env.Origin, peerEphemeral)
		if err != nil {
			d.log.Debug("handshake response without in-flight handshake, ignoring", zap.Error(err))
			return
		}
		d.clearHandshakePending(env.Origin)
		d.bus.Publish(bus.TopicHandshake, bus.Event{Kind: bus.EventHandshakeEstablished, Peer: env.Origin})
		d.flushPendingSends(sess.PeerID)
		d.OnPeerConnected(sess.PeerID)
	}
}

func (d *Dispatcher) markHandshakePending(peer identity.NodeID) {
	d.handshakeMu.Lock()
	d.pendingHandshake[peer] = struct{}{}
	d.handshakeMu.Unlock()
}

func (d *Dispatcher) clearHandshakePending(peer identity.NodeID) {
	d.handshakeMu.Lock()
	delete(d.pendingHandshake, peer)
	d.handshakeMu.Unlock()
}

func (d *Dispatcher) pendingHandshakePeers() []identity.NodeID {
	d.handshakeMu.Lock()
	defer d.handshakeMu.Unlock()
	peers := make([]identity.NodeID, 0, len(d.pendingHandshake))
	for p := range d.pendingHandshake {
		peers = append(peers, p)
	}
	return peers
}

// RunHandshakeRetrySweeper resends HANDSHAKE_INIT to peers that have
// waited past the retry timeout without a response, and gives up after
// the retry budget is exhausted.
func (d *Dispatcher) RunHandshakeRetrySweeper(ctx context.Context) {
	ticker := time.NewTicker(handshakeRetrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range d.pendingHandshakePeers() {
				retry, failed := d.sess.DueForRetry(peer)
				switch {
				case failed:
					d.clearHandshakePending(peer)
					d.bus.Publish(bus.TopicHandshake, bus.Event{Kind: bus.EventHandshakeFailed, Peer: peer})
				case retry:
					ephemeral, ok := d.sess.InFlightEphemeral(peer)
					if !ok {
						d.log.Error("handshake retry found no in-flight handshake", zap.String("peer", peer.String()))
						continue
					}
					d.sendHandshakeEnvelope(peer, wire.KindHandshakeInit, ephemeral)
				}
			}
		}
	}
}
