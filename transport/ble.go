// Package transport owns the BLE GATT link to peers: scanning, the
// bounded connection pool, frame I/O and reassembly, and per-peer
// reconnection backoff.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"bigheads/identity"
)

// Fixed 128-bit service and characteristic UUIDs, shared by every node
// so any two bigheads peers can discover and talk to each other.
var (
	ServiceUUID = bluetooth.NewUUID([16]byte{
		0x6b, 0x69, 0x67, 0x68, 0x65, 0x61, 0x64, 0x73,
		0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01,
	})
	writeCharUUID = bluetooth.NewUUID([16]byte{
		0x6b, 0x69, 0x67, 0x68, 0x65, 0x61, 0x64, 0x73,
		0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x02,
	})
	notifyCharUUID = bluetooth.NewUUID([16]byte{
		0x6b, 0x69, 0x67, 0x68, 0x65, 0x61, 0x64, 0x73,
		0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x03,
	})
)

// PeerState mirrors a connection's lifecycle in the pool. It is the
// in-memory counterpart of the persisted record in package store.
type PeerState int

const (
	PeerDiscovered PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "DISCOVERED"
	case PeerConnecting:
		return "CONNECTING"
	case PeerConnected:
		return "CONNECTED"
	case PeerDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// EventKind identifies a transport_event bus message.
type EventKind int

const (
	EventPeerDiscovered EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
	EventFrameReceived
	EventWriteFailed
)

// Event is published on every pool state change and inbound frame.
type Event struct {
	Kind    EventKind
	PeerID  identity.NodeID
	Address string
	RSSI    int
	Payload []byte // set only for EventFrameReceived, a reassembled envelope
}

type peerConn struct {
	id          identity.NodeID
	address     string
	rssi        int
	state       PeerState
	lastUsed    time.Time
	backoff     time.Duration
	lastSeenAgo time.Time // when last observed in a scan; used for the 5-minute discovery-set eviction
	device       *bluetooth.Device
	writeChar    bluetooth.DeviceCharacteristic
	disconnectAt time.Time // when state last became PeerDisconnected, gates backoff-based redial
}

// Manager owns the adapter, the discovery set and the bounded
// connection pool. Construct with NewManager and call Start once
// Config and Persistence are up.
type Manager struct {
	log *zap.Logger

	adapter        *bluetooth.Adapter
	maxConnections uint32
	scanInterval   time.Duration

	events chan<- Event

	mu    sync.Mutex
	peers map[identity.NodeID]*peerConn

	reassembly *reassembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager bound to the default BLE adapter.
// events must be a channel the caller drains promptly; Manager never
// drops an event: every publish, state changes and frames alike,
// blocks until the channel has room or the manager is stopped.
func NewManager(log *zap.Logger, maxConnections uint32, scanInterval time.Duration, events chan<- Event) *Manager {
	return &Manager{
		log:            log,
		adapter:        bluetooth.DefaultAdapter,
		maxConnections: maxConnections,
		scanInterval:   scanInterval,
		events:         events,
		peers:          make(map[identity.NodeID]*peerConn),
		reassembly:     newReassembler(),
	}
}

// ErrNoAdapter is returned by Start when the platform has no usable
// BLE radio, mapping to exit code 4 at the top level.
var ErrNoAdapter = fmt.Errorf("transport: no BLE adapter available")

// Start enables the adapter, advertises the service, and launches the
// scan and GATT server loops. It returns ErrNoAdapter wrapped if the
// radio cannot be enabled.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}

	if err := m.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  writeCharUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				// The peripheral role serves exactly one central at a
				// time under the single-central pool model, so the connecting
				// peer's ID (tracked via the central's own dial) is
				// attributed to every write on this characteristic.
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					m.onSegment(m.soleConnectedPeer(), value)
				},
			},
			{
				UUID:  notifyCharUUID,
				Flags: bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	}); err != nil {
		return fmt.Errorf("transport: add service: %w", err)
	}

	adv := m.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    "bigheads",
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("transport: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("transport: start advertisement: %w", err)
	}

	m.wg.Add(2)
	go m.scanLoop()
	go m.reapLoop()

	return nil
}

// Stop cancels background loops and disconnects every pooled peer,
// matching the runtime's "close transport cleanly" shutdown step.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.adapter.StopScan()

	m.mu.Lock()
	for id, pc := range m.peers {
		if pc.device != nil {
			_ = pc.device.Disconnect()
		}
		delete(m.peers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) scanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runScan()
		}
	}
}

func (m *Manager) runScan() {
	err := m.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(ServiceUUID) {
			return
		}
		var id identity.NodeID
		addrBytes := result.Address.Bytes()
		copy(id[:], addrBytes[:])

		m.publish(Event{Kind: EventPeerDiscovered, PeerID: id, Address: result.Address.String(), RSSI: int(result.RSSI)})
		m.maybeConnect(id, result)
	})
	if err != nil {
		m.log.Warn("ble scan failed", zap.Error(err))
	}
	// Scan blocks the calling goroutine until StopScan; a short window
	// per tick keeps the pool responsive to discovery without pinning
	// the radio in scan mode permanently.
	time.AfterFunc(2*time.Second, func() { m.adapter.StopScan() })
}

func (m *Manager) maybeConnect(id identity.NodeID, result bluetooth.ScanResult) {
	m.mu.Lock()
	if pc, ok := m.peers[id]; ok {
		pc.lastSeenAgo = time.Now()
		pc.rssi = int(result.RSSI)
		if pc.state != PeerDisconnected || time.Since(pc.disconnectAt) < pc.backoff {
			m.mu.Unlock()
			return
		}
		pc.state = PeerConnecting
		m.mu.Unlock()
		go m.dial(pc, result)
		return
	}
	if uint32(len(m.peers)) >= m.maxConnections {
		m.evictOldestLocked()
	}
	pc := &peerConn{id: id, address: result.Address.String(), rssi: int(result.RSSI), state: PeerConnecting, lastSeenAgo: time.Now()}
	m.peers[id] = pc
	m.mu.Unlock()

	go m.dial(pc, result)
}

// evictOldestLocked drops the peer with the oldest lastUsed timestamp
// to make room under max_connections. Caller holds mu.
func (m *Manager) evictOldestLocked() {
	var oldestID identity.NodeID
	var oldest time.Time
	first := true
	for id, pc := range m.peers {
		if first || pc.lastUsed.Before(oldest) {
			oldest, oldestID, first = pc.lastUsed, id, false
		}
	}
	if first {
		return
	}
	if pc := m.peers[oldestID]; pc.device != nil {
		_ = pc.device.Disconnect()
	}
	delete(m.peers, oldestID)
}

func (m *Manager) dial(pc *peerConn, result bluetooth.ScanResult) {
	device, err := m.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		m.markDisconnected(pc.id)
		return
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		m.markDisconnected(pc.id)
		return
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{writeCharUUID, notifyCharUUID})
	if err != nil {
		_ = device.Disconnect()
		m.markDisconnected(pc.id)
		return
	}

	var writeChar, notifyChar bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case writeCharUUID:
			writeChar = c
		case notifyCharUUID:
			notifyChar = c
		}
	}

	peerID := pc.id
	if err := notifyChar.EnableNotifications(func(value []byte) {
		buf := make([]byte, len(value))
		copy(buf, value)
		m.onSegment(peerID, buf)
	}); err != nil {
		_ = device.Disconnect()
		m.markDisconnected(pc.id)
		return
	}

	m.mu.Lock()
	pc.device = &device
	pc.writeChar = writeChar
	pc.state = PeerConnected
	pc.lastUsed = time.Now()
	pc.backoff = 0
	m.mu.Unlock()

	m.publish(Event{Kind: EventPeerConnected, PeerID: pc.id, Address: pc.address, RSSI: pc.rssi})
}

func (m *Manager) markDisconnected(id identity.NodeID) {
	m.mu.Lock()
	pc, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	pc.state = PeerDisconnected
	pc.disconnectAt = time.Now()
	pc.device = nil
	if pc.backoff == 0 {
		pc.backoff = time.Second
	} else if pc.backoff < 60*time.Second {
		pc.backoff *= 2
		if pc.backoff > 60*time.Second {
			pc.backoff = 60 * time.Second
		}
	}
	m.mu.Unlock()

	m.publish(Event{Kind: EventPeerDisconnected, PeerID: id})
	// Reconnection is scan-driven: maybeConnect re-dials this peer once
	// backoff has elapsed and it reappears in a scan result.
}

// reapLoop drops peers not seen in a scan for over 5 minutes, per
// the discovery-set eviction rule.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for id, pc := range m.peers {
				if pc.state != PeerConnected && now.Sub(pc.lastSeenAgo) > 5*time.Minute {
					delete(m.peers, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// Write sends payload to a connected peer, splitting it into frames.
// A write failure marks the peer DISCONNECTED and surfaces an event,
// never a panic or crash.
func (m *Manager) Write(peerID identity.NodeID, streamID uint16, payload []byte, maxSegmentBytes int) error {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok || pc.state != PeerConnected {
		return fmt.Errorf("transport: peer %s not connected", peerID)
	}

	segments := splitFrame(streamID, payload, maxSegmentBytes)
	for _, seg := range segments {
		if _, err := pc.writeChar.WriteWithoutResponse(seg); err != nil {
			m.markDisconnected(peerID)
			m.publish(Event{Kind: EventWriteFailed, PeerID: peerID})
			return fmt.Errorf("transport: write: %w", err)
		}
	}
	m.mu.Lock()
	pc.lastUsed = time.Now()
	m.mu.Unlock()
	return nil
}

// ConnectedPeers returns the node IDs currently in PeerConnected state.
func (m *Manager) ConnectedPeers() []identity.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.NodeID, 0, len(m.peers))
	for id, pc := range m.peers {
		if pc.state == PeerConnected {
			out = append(out, id)
		}
	}
	return out
}

// soleConnectedPeer returns the one peer in PeerConnected state, or the
// broadcast sentinel if zero or more than one are connected (the
// peripheral-role ambiguity noted on the write characteristic above).
func (m *Manager) soleConnectedPeer() identity.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found identity.NodeID
	count := 0
	for id, pc := range m.peers {
		if pc.state == PeerConnected {
			found = id
			count++
		}
	}
	if count != 1 {
		return identity.Broadcast
	}
	return found
}

func (m *Manager) onSegment(peerID identity.NodeID, raw []byte) {
	envelope, err := m.reassembly.feed(peerID, raw)
	if err != nil {
		m.log.Warn("dropped malformed segment", zap.Error(err))
		return
	}
	if envelope == nil {
		return // partial frame, awaiting more segments
	}
	m.publish(Event{Kind: EventFrameReceived, PeerID: peerID, Payload: envelope})
}
