package config

import (
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.TTLDefault() != 6 {
		t.Errorf("TTLDefault = %d, want 6", c.TTLDefault())
	}
	if c.MaxConnections() != 8 {
		t.Errorf("MaxConnections = %d, want 8", c.MaxConnections())
	}
	if c.SeenLRULimit() != 50000 {
		t.Errorf("SeenLRULimit = %d, want 50000", c.SeenLRULimit())
	}
	if c.MaxInlineFileBytes() != 2_000_000 {
		t.Errorf("MaxInlineFileBytes = %d, want 2000000", c.MaxInlineFileBytes())
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	input := "ttl_default=3\nmax_connections=16\ngroup_passphrase=hello\n# a comment\n\n"
	c, err := Load(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TTLDefault() != 3 {
		t.Errorf("TTLDefault = %d, want 3", c.TTLDefault())
	}
	if c.MaxConnections() != 16 {
		t.Errorf("MaxConnections = %d, want 16", c.MaxConnections())
	}
	if c.GroupPassphrase() != "hello" {
		t.Errorf("GroupPassphrase = %q, want hello", c.GroupPassphrase())
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(strings.NewReader("bogus_key=1\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestHotReloadViaSet(t *testing.T) {
	c := Default()
	if err := c.Set("scan_interval_sec", "30"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.ScanIntervalSec() != 30 {
		t.Errorf("ScanIntervalSec = %d, want 30", c.ScanIntervalSec())
	}
}

func TestDumpRoundTrip(t *testing.T) {
	c := Default()
	_ = c.Set("ttl_default", "9")
	var sb strings.Builder
	if err := c.Dump(&sb); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	reloaded, err := Load(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("Load(dump): %v", err)
	}
	if reloaded.TTLDefault() != 9 {
		t.Errorf("round trip TTLDefault = %d, want 9", reloaded.TTLDefault())
	}
}
