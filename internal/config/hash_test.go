package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFingerprintStable(t *testing.T) {
	a, err := Fingerprint(Defaults())
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	b, _ := Fingerprint(Defaults())
	if a != b {
		t.Fatalf("fingerprint not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(fingerprint) = %d, want 64", len(a))
	}

	changed := Defaults()
	changed.Worker.UserAgent = "other"
	c, _ := Fingerprint(changed)
	if c == a {
		t.Error("fingerprint ignored a changed field")
	}

	// SourcePath is not part of the effective settings.
	moved := Defaults()
	moved.SourcePath = "/elsewhere.yaml"
	d, _ := Fingerprint(moved)
	if d != a {
		t.Error("fingerprint should not depend on SourcePath")
	}
}

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.yaml")
	if err := os.WriteFile(path, []byte("abc"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	const want = "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85"
	if got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}

	if _, err := ComputeBlake3Hash(path + ".missing"); err == nil {
		t.Error("missing file should fail")
	}
}
