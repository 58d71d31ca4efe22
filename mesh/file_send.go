package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bigheads/identity"
	"bigheads/store"
	"bigheads/wire"
)

// SendFile splits data into FILE_CHUNK envelopes (FEC-protected above
// the chunker's parity threshold) and transmits each, encrypted the
// same way as a text message to the same destination. Unlike text,
// a file with no established unicast session is rejected rather than
// queued: chunk fan-out assumes a session is already usable.
func (d *Dispatcher) SendFile(dest identity.NodeID, data []byte, mime string) (uuid.UUID, error) {
	fileID, chunks, err := SplitFile(data, mime, d.cfg.PacketSizeLimit(), d.cfg.MaxInlineFileBytes())
	if err != nil {
		return uuid.UUID{}, err
	}

	if !dest.IsBroadcast() {
		if _, ok := d.ensureSession(dest); !ok {
			return uuid.UUID{}, fmt.Errorf("mesh: no established session with %s, retry after handshake completes", dest)
		}
	}

	ts := uint64(time.Now().UnixMilli())
	for _, chunk := range chunks {
		env := &wire.Envelope{
			MsgID:  uuid.New(),
			Origin: d.self,
			Dest:   dest,
			Kind:   wire.KindFileChunk,
			TTL:    d.cfg.TTLDefault(),
			TS:     ts,
		}
		if dest.IsBroadcast() {
			nonce, ct, err := d.sess.Group().Encrypt(chunk, env.AAD())
			if err != nil {
				return uuid.UUID{}, fmt.Errorf("mesh: group encrypt chunk: %w", err)
			}
			env.Nonce = nonce
			env.Ciphertext = ct
		} else {
			sess, ok := d.sess.Pairwise(dest)
			if !ok {
				return uuid.UUID{}, fmt.Errorf("mesh: session with %s vanished mid-send", dest)
			}
			counter, ct, err := sess.Encrypt(chunk, env.AAD())
			if err != nil {
				return uuid.UUID{}, fmt.Errorf("mesh: pairwise encrypt chunk: %w", err)
			}
			env.Seq = counter
			env.Ciphertext = ct
		}
		if _, err := d.st.SeenAdd(env.MsgID); err != nil {
			d.log.Error("seen store write failed on file chunk send", zap.Error(err))
		}
		d.transmit(env)
	}

	rec := store.MessageRecord{
		MsgID: fileID, ChatID: chatIDForSend(dest), Origin: d.self, Dest: dest,
		Kind: uint8(wire.KindFileChunk), Plaintext: data, TS: ts, State: store.MessagePending,
	}
	if err := d.st.MessagePut(rec); err != nil {
		d.log.Error("persist outgoing file failed", zap.Error(err))
	}
	return fileID, nil
}
