// Package api is the UI-facing surface of the core: send/receive
// text and files, subscribe to bus topics, manage the block list,
// list peers, search a chat's history and export it. Everything the
// out-of-scope UI collaborator needs is reachable through Core so it
// can be swapped for a test double without touching mesh, store or
// transport directly.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"

	"bigheads/bus"
	"bigheads/identity"
	"bigheads/mesh"
	"bigheads/store"
)

// ExportFormat selects the rendering Export produces.
type ExportFormat int

const (
	ExportJSON ExportFormat = iota
	ExportHTML
)

// Core is the UI↔core boundary: a single interface so the UI layer
// never holds a reference to mesh/store/transport types directly.
type Core interface {
	SendText(chatID identity.NodeID, body []byte) (uuid.UUID, error)
	SendFile(chatID identity.NodeID, data []byte, mime string) (uuid.UUID, error)
	Subscribe(topic bus.Topic) <-chan bus.Event
	Block(peerID identity.NodeID, blocked bool) error
	ListPeers() ([]store.PeerRecord, error)
	Search(chatID identity.NodeID, query string) ([]store.MessageRecord, error)
	Export(chatID identity.NodeID, format ExportFormat) ([]byte, error)
}

// core wires Core's methods to the mesh dispatcher, the store and the
// bus; it holds no state of its own.
type core struct {
	mesh *mesh.Dispatcher
	st   *store.Store
	bus  *bus.Bus
}

// New builds a Core over an already-started dispatcher, store and bus.
func New(m *mesh.Dispatcher, st *store.Store, b *bus.Bus) Core {
	return &core{mesh: m, st: st, bus: b}
}

func (c *core) SendText(chatID identity.NodeID, body []byte) (uuid.UUID, error) {
	return c.mesh.SendText(chatID, body)
}

func (c *core) SendFile(chatID identity.NodeID, data []byte, mime string) (uuid.UUID, error) {
	return c.mesh.SendFile(chatID, data, mime)
}

func (c *core) Subscribe(topic bus.Topic) <-chan bus.Event {
	return c.bus.Subscribe(topic)
}

func (c *core) Block(peerID identity.NodeID, blocked bool) error {
	return c.st.BlockSet(peerID, blocked)
}

func (c *core) ListPeers() ([]store.PeerRecord, error) {
	return c.st.PeerList()
}

// searchLimit bounds how many matches Search returns; callers wanting
// more page through MessageQuery's beforeTS cursor directly.
const searchLimit = 200

func (c *core) Search(chatID identity.NodeID, query string) ([]store.MessageRecord, error) {
	return c.st.MessageSearch(chatID, query, searchLimit)
}

func (c *core) Export(chatID identity.NodeID, format ExportFormat) ([]byte, error) {
	records, err := c.st.MessageQuery(chatID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("api: export query: %w", err)
	}
	switch format {
	case ExportJSON:
		return exportJSON(records)
	case ExportHTML:
		return exportHTML(records), nil
	default:
		return nil, fmt.Errorf("api: unknown export format %d", format)
	}
}

// exportRecord is the stable, UI-facing shape of an exported message;
// it exists so changes to store.MessageRecord's internal JSON tags
// never leak into an export file a user has saved to disk.
type exportRecord struct {
	MsgID  string `json:"msg_id"`
	Origin string `json:"origin"`
	Dest   string `json:"dest"`
	Kind   uint8  `json:"kind"`
	Body   string `json:"body"`
	TS     uint64 `json:"ts"`
	State  string `json:"state"`
}

func toExportRecords(records []store.MessageRecord) []exportRecord {
	out := make([]exportRecord, len(records))
	for i, r := range records {
		out[i] = exportRecord{
			MsgID:  identity.NodeID(r.MsgID).String(),
			Origin: identity.NodeID(r.Origin).String(),
			Dest:   identity.NodeID(r.Dest).String(),
			Kind:   r.Kind,
			Body:   string(r.Plaintext),
			TS:     r.TS,
			State:  string(r.State),
		}
	}
	return out
}

func exportJSON(records []store.MessageRecord) ([]byte, error) {
	buf, err := json.MarshalIndent(toExportRecords(records), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("api: marshal export: %w", err)
	}
	return buf, nil
}

func exportHTML(records []store.MessageRecord) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>bigheads chat export</title></head><body>\n")
	for _, r := range toExportRecords(records) {
		ts := time.UnixMilli(int64(r.TS)).UTC().Format(time.RFC3339)
		fmt.Fprintf(&buf, "<div class=\"msg\" data-state=\"%s\"><span class=\"ts\">%s</span> <span class=\"from\">%s</span>: <span class=\"body\">%s</span></div>\n",
			html.EscapeString(r.State), html.EscapeString(ts), html.EscapeString(r.Origin), html.EscapeString(r.Body))
	}
	buf.WriteString("</body></html>\n")
	return buf.Bytes()
}
