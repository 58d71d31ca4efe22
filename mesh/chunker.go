package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bigheads/mesh/fec"
)

// fileChunkHeaderOverhead is subtracted from the configured packet size
// to get each chunk's base64 body length. It is smaller than the 86-byte
// wire header, 16-byte AEAD tag and the chunk's JSON framing together,
// so a FILE_CHUNK envelope is larger than packet_size_limit; the
// transport splits it into segments like any other envelope.
const fileChunkHeaderOverhead = 160

const chunkGCTimeout = 10 * time.Minute

// fecParityThreshold is the minimum data-chunk count a file transfer
// needs before it's worth spending the extra chunks on Reed-Solomon
// parity; small transfers already ride enough flood redundancy.
const fecParityThreshold = 8

// fecParityCount generates roughly one parity chunk per four data
// chunks, rounded up, capped so parity never exceeds the data count.
func fecParityCount(dataChunks int) int {
	p := (dataChunks + 3) / 4
	if p < 1 {
		p = 1
	}
	if p > dataChunks {
		p = dataChunks
	}
	return p
}

// fileChunkPayload is the plaintext JSON body of a FILE_CHUNK
// envelope. chunk_idx ranges over [0, data_chunks) for data shards and
// [data_chunks, data_chunks+parity_chunks) for Reed-Solomon parity
// shards generated at send time; file_length lets the receiver trim
// the padding Reed-Solomon requires for uniform shard sizes.
type fileChunkPayload struct {
	FileID       uuid.UUID `json:"file_id"`
	ChunkIdx     uint32    `json:"chunk_idx"`
	DataChunks   uint32    `json:"data_chunks"`
	ParityChunks uint32    `json:"parity_chunks"`
	FileLength   uint32    `json:"file_length"`
	Data         string    `json:"data"` // base64
	Mime         string    `json:"mime,omitempty"`
}

// SplitFile encodes data as a sequence of FILE_CHUNK plaintext
// payloads, each small enough to fit in one envelope once encrypted
// and framed. Transfers of at least fecParityThreshold data chunks are
// augmented with Reed-Solomon parity chunks so reassembly can survive
// losing some of them to flood duplication dropping a copy. Returns an
// error if data exceeds maxInlineBytes.
func SplitFile(data []byte, mime string, packetSizeLimit uint32, maxInlineBytes uint32) (uuid.UUID, [][]byte, error) {
	if uint32(len(data)) > maxInlineBytes {
		return uuid.UUID{}, nil, fmt.Errorf("mesh: file of %d bytes exceeds max_inline_file_bytes %d", len(data), maxInlineBytes)
	}

	fileID := uuid.New()
	chunkBodyLimit := int(packetSizeLimit) - fileChunkHeaderOverhead
	if chunkBodyLimit <= 0 {
		chunkBodyLimit = 1
	}
	// base64 expands by 4/3; size the raw slice so the encoded form
	// fits chunkBodyLimit.
	rawPerChunk := (chunkBodyLimit * 3) / 4
	if rawPerChunk <= 0 {
		rawPerChunk = 1
	}

	dataChunkCount := (len(data) + rawPerChunk - 1) / rawPerChunk
	if dataChunkCount == 0 {
		dataChunkCount = 1
	}

	dataShards := make([]fec.Shard, dataChunkCount)
	for i := 0; i < dataChunkCount; i++ {
		start := i * rawPerChunk
		end := start + rawPerChunk
		if end > len(data) {
			end = len(data)
		}
		shard := make(fec.Shard, rawPerChunk)
		copy(shard, data[start:end])
		dataShards[i] = shard
	}

	parityChunkCount := 0
	shards := dataShards
	if dataChunkCount >= fecParityThreshold {
		parityChunkCount = fecParityCount(dataChunkCount)
		protector, err := fec.NewReedSolomonProtector(dataChunkCount, parityChunkCount)
		if err != nil {
			return uuid.UUID{}, nil, fmt.Errorf("mesh: build fec protector: %w", err)
		}
		protected, err := protector.Encode(dataShards)
		if err != nil {
			return uuid.UUID{}, nil, fmt.Errorf("mesh: fec encode: %w", err)
		}
		shards = protected
	}

	chunks := make([][]byte, 0, len(shards))
	for i, shard := range shards {
		payload := fileChunkPayload{
			FileID:       fileID,
			ChunkIdx:     uint32(i),
			DataChunks:   uint32(dataChunkCount),
			ParityChunks: uint32(parityChunkCount),
			FileLength:   uint32(len(data)),
			Data:         base64.StdEncoding.EncodeToString(shard),
			Mime:         mime,
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return uuid.UUID{}, nil, fmt.Errorf("mesh: marshal file chunk: %w", err)
		}
		chunks = append(chunks, buf)
	}
	return fileID, chunks, nil
}

type partialFile struct {
	dataChunks   uint32
	parityChunks uint32
	fileLength   uint32
	mime         string
	chunks       map[uint32][]byte
	firstSeen    time.Time
}

// FileReassembler buffers incoming FILE_CHUNK payloads by file_id and
// reports completion once enough chunks have arrived to reconstruct
// the file, either directly (every data chunk present) or via
// Reed-Solomon recovery (enough data+parity chunks present). Incomplete
// sets are garbage-collected after chunkGCTimeout from their first chunk.
type FileReassembler struct {
	mu    sync.Mutex
	files map[uuid.UUID]*partialFile
}

// NewFileReassembler constructs an empty reassembler.
func NewFileReassembler() *FileReassembler {
	return &FileReassembler{files: make(map[uuid.UUID]*partialFile)}
}

// CompletedFile is emitted once a file has been fully reassembled.
type CompletedFile struct {
	FileID uuid.UUID
	Mime   string
	Data   []byte
}

// Feed processes one FILE_CHUNK plaintext payload. It returns the
// completed file once reconstruction is possible, or nil while more
// chunks are still needed.
func (r *FileReassembler) Feed(raw []byte) (*CompletedFile, error) {
	var payload fileChunkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("mesh: malformed file chunk: %w", err)
	}
	chunkData, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("mesh: malformed file chunk base64: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pf, ok := r.files[payload.FileID]
	if !ok {
		pf = &partialFile{
			dataChunks:   payload.DataChunks,
			parityChunks: payload.ParityChunks,
			fileLength:   payload.FileLength,
			mime:         payload.Mime,
			chunks:       make(map[uint32][]byte),
			firstSeen:    time.Now(),
		}
		r.files[payload.FileID] = pf
	}
	pf.chunks[payload.ChunkIdx] = chunkData

	out, ok := pf.tryReconstruct()
	if !ok {
		return nil, nil
	}
	delete(r.files, payload.FileID)
	return &CompletedFile{FileID: payload.FileID, Mime: pf.mime, Data: out}, nil
}

func (pf *partialFile) tryReconstruct() ([]byte, bool) {
	haveAllData := true
	for i := uint32(0); i < pf.dataChunks; i++ {
		if _, ok := pf.chunks[i]; !ok {
			haveAllData = false
			break
		}
	}

	var dataShards []fec.Shard
	if haveAllData {
		dataShards = make([]fec.Shard, pf.dataChunks)
		for i := uint32(0); i < pf.dataChunks; i++ {
			dataShards[i] = pf.chunks[i]
		}
	} else if pf.parityChunks > 0 {
		total := pf.dataChunks + pf.parityChunks
		if uint32(len(pf.chunks)) < pf.dataChunks {
			return nil, false
		}
		received := make([]fec.Shard, total)
		for i := uint32(0); i < total; i++ {
			if c, ok := pf.chunks[i]; ok {
				received[i] = c
			}
		}
		protector, err := fec.NewReedSolomonProtector(int(pf.dataChunks), int(pf.parityChunks))
		if err != nil {
			return nil, false
		}
		recovered, err := protector.Decode(received)
		if err != nil {
			return nil, false
		}
		dataShards = recovered
	} else {
		return nil, false
	}

	out := make([]byte, 0, pf.fileLength)
	for _, s := range dataShards {
		out = append(out, s...)
	}
	if uint32(len(out)) > pf.fileLength {
		out = out[:pf.fileLength]
	}
	return out, true
}

// RunGC periodically drops incomplete file buffers that have not
// completed within chunkGCTimeout of their first chunk.
func (r *FileReassembler) RunGC(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.gcOnce()
		}
	}
}

func (r *FileReassembler) gcOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, pf := range r.files {
		if now.Sub(pf.firstSeen) > chunkGCTimeout {
			delete(r.files, id)
		}
	}
}

