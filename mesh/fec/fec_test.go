package fec

import (
	"bytes"
	"testing"
)

func makeShards(n int, body string) []Shard {
	out := make([]Shard, n)
	for i := range out {
		out[i] = Shard(body)
	}
	return out
}

func TestXORRecoversOneMissingDataShard(t *testing.T) {
	p, err := NewXORProtector(4)
	if err != nil {
		t.Fatalf("NewXORProtector: %v", err)
	}
	source := []Shard{Shard("aaa"), Shard("bbb"), Shard("ccc"), Shard("ddd")}
	protected, err := p.Encode(source)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	received := append([]Shard(nil), protected...)
	received[1] = nil

	recovered, err := p.Decode(received)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(recovered[1], source[1]) {
		t.Fatalf("recovered shard 1 = %q, want %q", recovered[1], source[1])
	}
}

func TestXORFailsWithTwoMissing(t *testing.T) {
	p, _ := NewXORProtector(3)
	source := makeShards(3, "x")
	protected, err := p.Encode(source)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	protected[0] = nil
	protected[1] = nil
	if _, err := p.Decode(protected); err == nil {
		t.Fatal("expected error with two missing shards")
	}
}

func TestReedSolomonRecoversWithinParityBudget(t *testing.T) {
	p, err := NewReedSolomonProtector(4, 2)
	if err != nil {
		t.Fatalf("NewReedSolomonProtector: %v", err)
	}
	source := []Shard{Shard("0000"), Shard("1111"), Shard("2222"), Shard("3333")}
	protected, err := p.Encode(source)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	received := append([]Shard(nil), protected...)
	received[0] = nil
	received[2] = nil

	recovered, err := p.Decode(received)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, s := range source {
		if !bytes.Equal(recovered[i], s) {
			t.Errorf("shard %d = %q, want %q", i, recovered[i], s)
		}
	}
}

func TestReedSolomonFailsBeyondParityBudget(t *testing.T) {
	p, _ := NewReedSolomonProtector(4, 2)
	source := makeShards(4, "y")
	protected, err := p.Encode(source)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	protected[0], protected[1], protected[2] = nil, nil, nil
	if _, err := p.Decode(protected); err == nil {
		t.Fatal("expected error when missing shards exceed parity budget")
	}
}

func TestRaptorQRoundTripWithoutLoss(t *testing.T) {
	p, err := NewRaptorQProtector(3, 16)
	if err != nil {
		t.Fatalf("NewRaptorQProtector: %v", err)
	}
	source := []Shard{
		Shard("source-shard-one"),
		Shard("source-shard-two"),
		Shard("source-shard-3!!"),
	}
	protected, err := p.Encode(source)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	recovered, err := p.Decode(protected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, s := range source {
		if !bytes.Equal(recovered[i], s) {
			t.Errorf("shard %d mismatch: got %q want %q", i, recovered[i], s)
		}
	}
}
