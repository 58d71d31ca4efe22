// Package mesh implements the flooding protocol that turns a set of
// BLE links into a store-and-forward network: inbound dedupe/relay,
// outbound encryption and routing-biased fan-out, file chunking, and
// the outbox that holds unicast traffic for disconnected recipients.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bigheads/bus"
	"bigheads/config"
	"bigheads/cryptochan"
	"bigheads/identity"
	"bigheads/store"
	"bigheads/wire"
)

// SessionStore is the subset of session bookkeeping the dispatcher
// needs from the crypto layer: one established (or in-progress)
// pairwise session per peer, looked up and mutated under the
// dispatcher's own serialization.
type SessionStore interface {
	Group() *cryptochan.GroupCipher
	Pairwise(peer identity.NodeID) (*cryptochan.Session, bool)
	PutPairwise(peer identity.NodeID, s *cryptochan.Session)
	StartHandshake(peer identity.NodeID, role cryptochan.Role) (*cryptochan.Handshake, error)
	CompleteHandshake(peer identity.NodeID, peerEphemeral identity.PublicKey) (*cryptochan.Session, error)
	State(peer identity.NodeID) cryptochan.HandshakeState
	DueForRetry(peer identity.NodeID) (retry bool, failed bool)
	InFlightEphemeral(peer identity.NodeID) (identity.PublicKey, bool)
}

// Sender abstracts the transport's per-peer write so the dispatcher
// doesn't depend on BLE specifics.
type Sender interface {
	Write(peer identity.NodeID, streamID uint16, payload []byte, maxSegmentBytes int) error
	ConnectedPeers() []identity.NodeID
}

// inboundQueueCapacity bounds the dispatcher's input so one overloaded
// radio link cannot grow memory without limit; envelopes are
// redundant by design so overflow just drops with a counter bump.
const inboundQueueCapacity = 1024

// Dispatcher owns the single-goroutine inbound pipeline (dedupe,
// block check, route observe, address match, decrypt, relay) and the
// outbound encode/encrypt/transmit path. All crypto session mutation
// for a peer happens here, serialized by construction.
type Dispatcher struct {
	log *zap.Logger

	self   identity.NodeID
	cfg    *config.Config
	st     *store.Store
	sess   SessionStore
	sender Sender
	bus    *bus.Bus

	inbound  chan inboundFrame
	streamID uint32

	droppedOverflow uint64

	files *FileReassembler

	handshakeMu      sync.Mutex
	pendingHandshake map[identity.NodeID]struct{}

	pendingSendsMu sync.Mutex
	pendingSends   map[identity.NodeID][]pendingSend
}

// pendingSend holds one outgoing plaintext that could not be encrypted
// yet because no pairwise session exists with its destination; it is
// flushed once the handshake started by ensureSession completes.
type pendingSend struct {
	msgID uuid.UUID
	body  []byte
	ts    uint64
}

type inboundFrame struct {
	fromPeer identity.NodeID
	raw      []byte
}

// NewDispatcher wires the dispatcher to its dependencies. Call Run
// once the transport is up to begin draining the inbound queue.
func NewDispatcher(log *zap.Logger, self identity.NodeID, cfg *config.Config, st *store.Store, sess SessionStore, sender Sender, b *bus.Bus) *Dispatcher {
	return &Dispatcher{
		log:              log,
		self:             self,
		cfg:              cfg,
		st:               st,
		sess:             sess,
		sender:           sender,
		bus:              b,
		inbound:          make(chan inboundFrame, inboundQueueCapacity),
		files:            NewFileReassembler(),
		pendingHandshake: make(map[identity.NodeID]struct{}),
		pendingSends:     make(map[identity.NodeID][]pendingSend),
	}
}

// Feed enqueues a raw reassembled envelope from the transport layer.
// Non-blocking: if the queue is full, the frame is dropped and a
// counter bumped, since envelopes are redundant by the flooding design.
func (d *Dispatcher) Feed(fromPeer identity.NodeID, raw []byte) {
	select {
	case d.inbound <- inboundFrame{fromPeer: fromPeer, raw: raw}:
	default:
		d.droppedOverflow++
		d.log.Warn("inbound queue overflow, dropping envelope", zap.Uint64("dropped_total", d.droppedOverflow))
	}
}

// Run drains the inbound queue until ctx is cancelled. Meant to run on
// its own goroutine as the mesh's single dispatcher task.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.inbound:
			d.handleInbound(frame)
		}
	}
}

// RunFileGC periodically evicts incomplete file transfers that stalled
// mid-reassembly. Meant to run on its own goroutine alongside Run.
func (d *Dispatcher) RunFileGC(ctx context.Context) {
	d.files.RunGC(ctx)
}

func (d *Dispatcher) handleInbound(frame inboundFrame) {
	env, err := wire.Decode(frame.raw)
	if err != nil {
		d.log.Debug("dropped malformed envelope", zap.Error(err))
		return
	}

	isNew, err := d.st.SeenAdd(env.MsgID)
	if err != nil {
		d.log.Error("seen store write failed", zap.Error(err))
		return
	}
	if !isNew {
		return
	}

	blocked, err := d.st.IsBlocked(env.Origin)
	if err != nil {
		d.log.Error("block lookup failed", zap.Error(err))
	} else if blocked {
		return
	}

	if err := d.st.RouteObserve(env.Origin, frame.fromPeer, time.Now()); err != nil {
		d.log.Error("route observe failed", zap.Error(err))
	}

	addressedToUs := env.Dest == d.self || env.Dest.IsBroadcast()
	if addressedToUs {
		switch env.Kind {
		case wire.KindHandshakeInit, wire.KindHandshakeResp:
			d.handleHandshake(env)
		default:
			d.deliverLocal(env)
		}
	}

	if env.TTL > 1 {
		d.relay(env, frame.fromPeer)
	}
}

func (d *Dispatcher) deliverLocal(env *wire.Envelope) {
	var plaintext []byte
	var err error

	if env.Dest.IsBroadcast() {
		plaintext, err = d.sess.Group().Decrypt(env.Nonce, env.Ciphertext, env.AAD())
	} else {
		sess, ok := d.sess.Pairwise(env.Origin)
		if !ok {
			d.log.Debug("no pairwise session for origin, dropping", zap.String("origin", env.Origin.String()))
			return
		}
		plaintext, err = sess.Decrypt(env.Seq, env.Ciphertext, env.AAD())
	}
	if err != nil {
		d.log.Debug("decrypt failed, dropping", zap.Error(err))
		return
	}

	if env.Kind == wire.KindFileChunk {
		d.deliverFileChunk(env, plaintext)
		return
	}

	rec := store.MessageRecord{
		MsgID:     env.MsgID,
		ChatID:    chatIDFor(env),
		Origin:    env.Origin,
		Dest:      env.Dest,
		Kind:      uint8(env.Kind),
		Plaintext: plaintext,
		TS:        env.TS,
		Seq:       env.Seq,
		State:     store.MessageDelivered,
	}
	if err := d.st.MessagePut(rec); err != nil {
		d.log.Error("persist message failed", zap.Error(err))
	}

	d.bus.Publish(bus.TopicMessage, bus.Event{Kind: bus.EventMessageReceived, Message: &rec})

	if env.Kind == wire.KindText && !env.Dest.IsBroadcast() {
		d.sendAck(env)
	}
}

// deliverFileChunk feeds one decrypted FILE_CHUNK payload into the
// reassembler; once a file completes it is archived like any other
// message, with the reassembled bytes as its plaintext.
func (d *Dispatcher) deliverFileChunk(env *wire.Envelope, plaintext []byte) {
	completed, err := d.files.Feed(plaintext)
	if err != nil {
		d.log.Debug("dropped malformed file chunk", zap.Error(err))
		return
	}
	if completed == nil {
		return
	}

	rec := store.MessageRecord{
		MsgID:     completed.FileID,
		ChatID:    chatIDFor(env),
		Origin:    env.Origin,
		Dest:      env.Dest,
		Kind:      uint8(wire.KindFileChunk),
		Plaintext: completed.Data,
		TS:        env.TS,
		State:     store.MessageDelivered,
	}
	if err := d.st.MessagePut(rec); err != nil {
		d.log.Error("persist completed file failed", zap.Error(err))
	}
	d.bus.Publish(bus.TopicMessage, bus.Event{Kind: bus.EventMessageReceived, Message: &rec})
}

// chatIDFor groups an inbound envelope into its conversation: the
// group channel for broadcasts, the sender's node ID otherwise.
func chatIDFor(env *wire.Envelope) identity.NodeID {
	if env.Dest.IsBroadcast() {
		return identity.Broadcast
	}
	return env.Origin
}

// chatIDForSend groups an outbound envelope into its conversation: the
// group channel for broadcasts, the recipient's node ID otherwise.
func chatIDForSend(dest identity.NodeID) identity.NodeID {
	return dest
}

func (d *Dispatcher) sendAck(env *wire.Envelope) {
	ack := &wire.Envelope{
		MsgID:  uuid.New(),
		Origin: d.self,
		Dest:   env.Origin,
		Kind:   wire.KindAck,
		TTL:    d.cfg.TTLDefault(),
		TS:     uint64(time.Now().UnixMilli()),
	}
	sess, ok := d.sess.Pairwise(env.Origin)
	if !ok {
		return // no established session to ack over; no ack is sent
	}
	counter, ct, err := sess.Encrypt(env.MsgID[:], ack.AAD())
	if err != nil {
		d.log.Error("ack encrypt failed", zap.Error(err))
		return
	}
	ack.Seq = counter
	ack.Ciphertext = ct

	d.transmit(ack)
}

func (d *Dispatcher) relay(env *wire.Envelope, receivedFrom identity.NodeID) {
	relayed := *env
	relayed.TTL--
	relayed.Hop++

	for _, peer := range d.sender.ConnectedPeers() {
		if peer == receivedFrom {
			continue
		}
		buf, err := relayed.Encode()
		if err != nil {
			d.log.Error("encode for relay failed", zap.Error(err))
			return
		}
		if err := d.sender.Write(peer, d.nextStreamID(), buf, int(d.cfg.PacketSizeLimit())); err != nil {
			d.log.Debug("relay write failed, continuing fan-out", zap.String("peer", peer.String()), zap.Error(err))
		}
	}
}

// SendText encrypts and transmits a text message to dest (or the
// broadcast sentinel for the group channel), enqueuing to the outbox
// when no peer is currently reachable for a unicast destination.
func (d *Dispatcher) SendText(dest identity.NodeID, body []byte) (uuid.UUID, error) {
	env := &wire.Envelope{
		MsgID:  uuid.New(),
		Origin: d.self,
		Dest:   dest,
		Kind:   wire.KindText,
		TTL:    d.cfg.TTLDefault(),
		TS:     uint64(time.Now().UnixMilli()),
	}

	if dest.IsBroadcast() {
		nonce, ct, err := d.sess.Group().Encrypt(body, env.AAD())
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("mesh: group encrypt: %w", err)
		}
		env.Nonce = nonce
		env.Ciphertext = ct
	} else {
		sess, ok := d.ensureSession(dest)
		if !ok {
			// No pairwise session yet; a handshake is now in flight
			// (or already was). Persist and queue for flushPendingSends
			// once it completes, instead of failing the send outright.
			d.persistPendingText(env.MsgID, dest, body, env.TS)
			d.queuePendingSend(dest, pendingSend{msgID: env.MsgID, body: body, ts: env.TS})
			return env.MsgID, nil
		}
		counter, ct, err := sess.Encrypt(body, env.AAD())
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("mesh: pairwise encrypt: %w", err)
		}
		env.Seq = counter
		env.Ciphertext = ct
	}

	if _, err := d.st.SeenAdd(env.MsgID); err != nil {
		d.log.Error("seen store write failed on send", zap.Error(err))
	}

	rec := store.MessageRecord{
		MsgID: env.MsgID, ChatID: chatIDForSend(dest), Origin: d.self, Dest: dest,
		Kind: uint8(wire.KindText), Plaintext: body, TS: env.TS, State: store.MessagePending,
	}
	if err := d.st.MessagePut(rec); err != nil {
		d.log.Error("persist outgoing message failed", zap.Error(err))
	}

	d.transmit(env)
	return env.MsgID, nil
}

func (d *Dispatcher) persistPendingText(msgID uuid.UUID, dest identity.NodeID, body []byte, ts uint64) {
	rec := store.MessageRecord{
		MsgID: msgID, ChatID: chatIDForSend(dest), Origin: d.self, Dest: dest,
		Kind: uint8(wire.KindText), Plaintext: body, TS: ts, State: store.MessagePending,
	}
	if err := d.st.MessagePut(rec); err != nil {
		d.log.Error("persist pending outgoing message failed", zap.Error(err))
	}
}

func (d *Dispatcher) queuePendingSend(dest identity.NodeID, p pendingSend) {
	d.pendingSendsMu.Lock()
	d.pendingSends[dest] = append(d.pendingSends[dest], p)
	d.pendingSendsMu.Unlock()
}

// flushPendingSends encrypts and transmits every text queued for dest
// while its handshake was in flight. Called once a pairwise session
// with dest is established.
func (d *Dispatcher) flushPendingSends(dest identity.NodeID) {
	d.pendingSendsMu.Lock()
	queued := d.pendingSends[dest]
	delete(d.pendingSends, dest)
	d.pendingSendsMu.Unlock()

	sess, ok := d.sess.Pairwise(dest)
	if !ok {
		return
	}
	for _, p := range queued {
		env := &wire.Envelope{
			MsgID: p.msgID, Origin: d.self, Dest: dest,
			Kind: wire.KindText, TTL: d.cfg.TTLDefault(), TS: p.ts,
		}
		counter, ct, err := sess.Encrypt(p.body, env.AAD())
		if err != nil {
			d.log.Error("flush pending send encrypt failed", zap.Error(err))
			continue
		}
		env.Seq = counter
		env.Ciphertext = ct
		if _, err := d.st.SeenAdd(env.MsgID); err != nil {
			d.log.Error("seen store write failed on flush", zap.Error(err))
		}
		d.transmit(env)
	}
}

// transmit sends env to the routing-biased set of connected peers. If
// dest is unicast and nothing is connected, the envelope is pushed to
// the outbox for later flush.
func (d *Dispatcher) transmit(env *wire.Envelope) {
	buf, err := env.Encode()
	if err != nil {
		d.log.Error("encode for transmit failed", zap.Error(err))
		return
	}

	connected := d.sender.ConnectedPeers()
	if len(connected) == 0 {
		if !env.Dest.IsBroadcast() {
			d.enqueueOutbox(env, buf)
		}
		return
	}

	ordered := d.biasByRoute(env.Dest, connected)
	for _, peer := range ordered {
		if err := d.sender.Write(peer, d.nextStreamID(), buf, int(d.cfg.PacketSizeLimit())); err != nil {
			d.log.Debug("send failed, continuing fan-out", zap.String("peer", peer.String()), zap.Error(err))
		}
	}
}

// biasByRoute puts the peer route_best names first (if it is among
// the connected set), followed by the rest as parallel backup fan-out.
func (d *Dispatcher) biasByRoute(dest identity.NodeID, connected []identity.NodeID) []identity.NodeID {
	if dest.IsBroadcast() {
		return connected
	}
	best, ok, err := d.st.RouteBest(dest, time.Now())
	if err != nil || !ok {
		return connected
	}
	ordered := make([]identity.NodeID, 0, len(connected))
	for _, p := range connected {
		if p == best {
			ordered = append([]identity.NodeID{p}, ordered...)
		} else {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

func (d *Dispatcher) enqueueOutbox(env *wire.Envelope, encoded []byte) {
	entry := store.OutboxEntry{
		MsgID:        env.MsgID,
		Dest:         env.Dest,
		EnvelopeData: encoded,
		EnqueuedAt:   time.Now(),
		State:        store.MessageFailed,
	}
	if err := d.st.OutboxPush(entry); err != nil {
		d.log.Error("outbox push failed", zap.Error(err))
	}
}

// nextStreamID is safe for concurrent use: SendText/SendFile can be
// called from an API goroutine while Run's goroutine is independently
// relaying or acking, and both paths transmit.
func (d *Dispatcher) nextStreamID() uint16 {
	return uint16(atomic.AddUint32(&d.streamID, 1))
}
