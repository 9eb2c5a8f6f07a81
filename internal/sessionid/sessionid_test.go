package sessionid

import (
	"errors"
	"testing"
)

func TestNormalizeHyphenated(t *testing.T) {
	got, err := Normalize("A1B2C3D4-E5F6-0718-2930-AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := "a1b2c3d4-e5f6-0718-2930-aabbccddeeff"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeCompact(t *testing.T) {
	got, err := Normalize("a1b2c3d4e5f607182930aabbccddeeff")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := "a1b2c3d4-e5f6-0718-2930-aabbccddeeff"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"not-an-id",
		"a1b2c3d4e5f607182930aabbccddee",     // too short
		"a1b2c3d4e5f607182930aabbccddeeffff", // too long
		"g1b2c3d4-e5f6-0718-2930-aabbccddeeff",
		"pid-1234",
	} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %q, got %v", in, err)
		}
	}
}

func TestSyntheticRoundTrip(t *testing.T) {
	id := Synthetic(4321)
	if id != "pid-4321" {
		t.Fatalf("unexpected synthetic id %q", id)
	}
	pid, ok := SyntheticPID(id)
	if !ok || pid != 4321 {
		t.Fatalf("round trip failed: %d %v", pid, ok)
	}
	if _, ok := SyntheticPID("a1b2c3d4-e5f6-0718-2930-aabbccddeeff"); ok {
		t.Fatalf("real id must not parse as synthetic")
	}
	if _, ok := SyntheticPID("pid-x"); ok {
		t.Fatalf("malformed synthetic must not parse")
	}
}
