package fec

import (
	"errors"
	"fmt"

	"github.com/xssnick/raptorq"
)

// rqProtector wraps a RaptorQ fountain code. Unlike Reed-Solomon,
// repair symbols aren't tied to a fixed parity count; the decoder just
// needs any numSourceSymbols symbols, source or repair, to reconstruct.
type rqProtector struct {
	rq               raptorq.RaptorQ
	numSourceSymbols uint
	symbolSize       uint16
}

// NewRaptorQProtector builds a protector for large file transfers
// where chunk loss may exceed what a fixed Reed-Solomon parity ratio
// budgets for. Encode emits one fixed batch of repair symbols, one per
// source symbol; no further repair symbols are generated later.
func NewRaptorQProtector(numSourceSymbols int, symbolSize uint16) (Protector, error) {
	if numSourceSymbols <= 0 {
		return nil, errors.New("fec: raptorq source symbol count must be positive")
	}
	if symbolSize == 0 {
		return nil, errors.New("fec: raptorq symbol size must be positive")
	}
	return &rqProtector{
		rq:               raptorq.NewRaptorQ(symbolSize),
		numSourceSymbols: uint(numSourceSymbols),
		symbolSize:       symbolSize,
	}, nil
}

func (r *rqProtector) Algorithm() Algorithm { return RaptorQ }
func (r *rqProtector) NumDataShards() int   { return int(r.numSourceSymbols) }
func (r *rqProtector) NumParityShards() int { return int(r.numSourceSymbols) } // Encode emits one repair symbol per source symbol
func (r *rqProtector) TotalShards() int     { return 2 * int(r.numSourceSymbols) }

// Encode pads each source shard to symbolSize, concatenates them into
// one payload, and emits K source symbols followed by K repair
// symbols.
func (r *rqProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != int(r.numSourceSymbols) {
		return nil, fmt.Errorf("fec: raptorq encode: expected %d shards, got %d", r.numSourceSymbols, len(source))
	}

	payload := make([]byte, 0, int(r.numSourceSymbols)*int(r.symbolSize))
	for i, s := range source {
		if s == nil {
			return nil, fmt.Errorf("fec: raptorq encode: shard %d is nil", i)
		}
		if len(s) > int(r.symbolSize) {
			return nil, fmt.Errorf("fec: raptorq encode: shard %d length %d exceeds symbol size %d", i, len(s), r.symbolSize)
		}
		padded := make([]byte, r.symbolSize)
		copy(padded, s)
		payload = append(payload, padded...)
	}

	enc, err := r.rq.CreateEncoder(payload)
	if err != nil {
		return nil, fmt.Errorf("fec: raptorq create encoder: %w", err)
	}

	repairSymbols := r.numSourceSymbols
	out := make([]Shard, 0, int(r.numSourceSymbols+repairSymbols))
	for i := uint32(0); i < uint32(r.numSourceSymbols); i++ {
		out = append(out, Shard(enc.GenSymbol(i)))
	}
	for i := uint32(0); i < uint32(repairSymbols); i++ {
		out = append(out, Shard(enc.GenSymbol(uint32(r.numSourceSymbols)+i)))
	}
	return out, nil
}

// Decode feeds received symbols to the RaptorQ decoder by their
// position in the slice as the encoding symbol ID, which matches the
// convention Encode produces: index i is always symbol ID i. Callers
// must preserve that positional mapping across the wire (nil marks an
// erased slot) rather than reordering symbols freely.
func (r *rqProtector) Decode(received []Shard) ([]Shard, error) {
	payloadLen := uint64(r.numSourceSymbols) * uint64(r.symbolSize)
	dec, err := r.rq.CreateDecoder(payloadLen)
	if err != nil {
		return nil, fmt.Errorf("fec: raptorq create decoder: %w", err)
	}

	for i, s := range received {
		if s == nil {
			continue
		}
		canTry, err := dec.AddSymbol(uint32(i), s)
		if err != nil {
			continue
		}
		if !canTry {
			continue
		}
		success, result, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("fec: raptorq decode: %w", err)
		}
		if !success {
			continue
		}
		out := make([]Shard, r.numSourceSymbols)
		for j := 0; j < int(r.numSourceSymbols); j++ {
			start := j * int(r.symbolSize)
			end := start + int(r.symbolSize)
			if end > len(result) {
				return nil, fmt.Errorf("fec: raptorq decode: reconstructed payload too short")
			}
			out[j] = Shard(result[start:end])
		}
		return out, nil
	}
	return nil, fmt.Errorf("fec: raptorq decode: insufficient symbols to reconstruct")
}
