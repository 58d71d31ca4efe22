package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

type rsProtector struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewReedSolomonProtector builds a protector that tolerates losing up
// to parityShards out of dataShards+parityShards chunks, for larger
// file transfers where XOR's single-erasure tolerance is too thin.
func NewReedSolomonProtector(dataShards, parityShards int) (Protector, error) {
	enc, err := reedsolomon.New(dataShards, parityShards, reedsolomon.WithAutoGoroutines(512))
	if err != nil {
		return nil, fmt.Errorf("fec: new reed-solomon encoder: %w", err)
	}
	return &rsProtector{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (rs *rsProtector) Algorithm() Algorithm { return ReedSolomon }
func (rs *rsProtector) NumDataShards() int   { return rs.dataShards }
func (rs *rsProtector) NumParityShards() int { return rs.parityShards }
func (rs *rsProtector) TotalShards() int     { return rs.dataShards + rs.parityShards }

func (rs *rsProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != rs.dataShards {
		return nil, fmt.Errorf("fec: rs encode: expected %d shards, got %d", rs.dataShards, len(source))
	}

	shards := make([][]byte, rs.dataShards+rs.parityShards)
	maxLen := 0
	for i, s := range source {
		if s == nil {
			return nil, fmt.Errorf("fec: rs encode: shard %d is nil", i)
		}
		shards[i] = s
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for i := 0; i < rs.dataShards; i++ {
		if len(shards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, shards[i])
			shards[i] = padded
		}
	}
	for i := rs.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, maxLen)
	}

	if err := rs.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: rs encode: %w", err)
	}

	out := make([]Shard, len(shards))
	for i, s := range shards {
		out[i] = Shard(s)
	}
	return out, nil
}

func (rs *rsProtector) Decode(received []Shard) ([]Shard, error) {
	total := rs.dataShards + rs.parityShards
	if len(received) != total {
		return nil, fmt.Errorf("fec: rs decode: expected %d shards, got %d", total, len(received))
	}

	shards := make([][]byte, total)
	missing := 0
	maxLen := 0
	for i, s := range received {
		shards[i] = s
		if s == nil {
			missing++
		} else if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	if missing > rs.parityShards {
		return nil, fmt.Errorf("fec: rs decode: %d shards missing, only %d parity available", missing, rs.parityShards)
	}
	if missing == 0 {
		return received[:rs.dataShards], nil
	}

	for i, s := range shards {
		if s != nil && len(s) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, s)
			shards[i] = padded
		}
	}

	if err := rs.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("fec: rs reconstruct: %w", err)
	}

	out := make([]Shard, rs.dataShards)
	for i := 0; i < rs.dataShards; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("fec: rs decode: data shard %d still nil after reconstruct", i)
		}
		out[i] = Shard(shards[i])
	}
	return out, nil
}
