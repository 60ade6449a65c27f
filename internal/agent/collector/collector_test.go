package collector

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLoadAvg(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loadavg")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAvgNormalizesByCPUs(t *testing.T) {
	l := &LoadAvg{Path: writeLoadAvg(t, "1.00 0.50 0.25 1/123 4567\n"), CPUs: 4}
	v, err := l.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if v != 0.25 {
		t.Fatalf("load = %v, want 0.25", v)
	}
}

func TestLoadAvgCapsAtOne(t *testing.T) {
	l := &LoadAvg{Path: writeLoadAvg(t, "9.00 8.00 7.00 3/300 99\n"), CPUs: 2}
	v, err := l.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if v != 1 {
		t.Fatalf("load = %v, want 1", v)
	}
}

func TestLoadAvgRejectsGarbage(t *testing.T) {
	l := &LoadAvg{Path: writeLoadAvg(t, "nope\n"), CPUs: 1}
	if _, err := l.Collect(); err == nil {
		t.Fatal("expected parse error")
	}
	l = &LoadAvg{Path: filepath.Join(t.TempDir(), "missing"), CPUs: 1}
	if _, err := l.Collect(); err == nil {
		t.Fatal("expected read error")
	}
}
