package fec

import (
	"errors"
	"fmt"
)

// xorProtector is single-parity XOR FEC: N data shards, 1 parity
// shard, and any one missing shard (data or parity) is recoverable.
type xorProtector struct {
	dataShards int
}

// NewXORProtector builds the cheapest available protection level: one
// parity shard, recovering any single missing shard. The mesh chunker
// does not use it; transfers below its parity threshold go out without
// parity.
func NewXORProtector(dataShards int) (Protector, error) {
	if dataShards <= 0 {
		return nil, errors.New("fec: xor data shard count must be positive")
	}
	return &xorProtector{dataShards: dataShards}, nil
}

func (x *xorProtector) Algorithm() Algorithm { return XOR }
func (x *xorProtector) NumDataShards() int   { return x.dataShards }
func (x *xorProtector) NumParityShards() int { return 1 }
func (x *xorProtector) TotalShards() int     { return x.dataShards + 1 }

func (x *xorProtector) Encode(source []Shard) ([]Shard, error) {
	if len(source) != x.dataShards {
		return nil, fmt.Errorf("fec: xor encode: expected %d shards, got %d", x.dataShards, len(source))
	}

	maxLen := 0
	for i, s := range source {
		if s == nil {
			return nil, fmt.Errorf("fec: xor encode: shard %d is nil", i)
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	parity := make(Shard, maxLen)
	padded := make(Shard, maxLen)
	for _, s := range source {
		copy(padded, s)
		for i := len(s); i < maxLen; i++ {
			padded[i] = 0
		}
		for i := 0; i < maxLen; i++ {
			parity[i] ^= padded[i]
		}
	}

	out := make([]Shard, x.dataShards+1)
	copy(out, source)
	out[x.dataShards] = parity
	return out, nil
}

func (x *xorProtector) Decode(received []Shard) ([]Shard, error) {
	if len(received) != x.dataShards+1 {
		return nil, fmt.Errorf("fec: xor decode: expected %d shards, got %d", x.dataShards+1, len(received))
	}

	missing := -1
	maxLen := 0
	for i, s := range received {
		if s == nil {
			if missing != -1 {
				return nil, fmt.Errorf("fec: xor decode: more than one shard missing, cannot recover")
			}
			missing = i
			continue
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	if missing == -1 {
		return received[:x.dataShards], nil
	}

	recovered := make(Shard, maxLen)
	padded := make(Shard, maxLen)
	for i, s := range received {
		if i == missing {
			continue
		}
		copy(padded, s)
		for j := len(s); j < maxLen; j++ {
			padded[j] = 0
		}
		for j := 0; j < maxLen; j++ {
			recovered[j] ^= padded[j]
		}
	}

	out := make([]Shard, x.dataShards)
	for i := 0; i < x.dataShards; i++ {
		if i == missing {
			out[i] = recovered
		} else {
			out[i] = received[i]
		}
	}
	return out, nil
}
