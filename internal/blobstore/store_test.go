package blobstore

import (
	"testing"
)

func TestPut_ContentAddressed(t *testing.T) {
	s := New()
	k1 := s.Put([]byte("same-bytes"), "image/png")
	k2 := s.Put([]byte("same-bytes"), "image/png")
	if k1 != k2 {
		t.Fatalf("same bytes produced different keys: %s vs %s", k1, k2)
	}
	k3 := s.Put([]byte("other-bytes"), "image/png")
	if k3 == k1 {
		t.Fatal("different bytes collided")
	}
	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
}

func TestPut_FirstWriteWins(t *testing.T) {
	s := New()
	key := s.Put([]byte("payload"), "image/png")
	// A second write with the same bytes but a different mime must not
	// mutate the stored blob.
	_ = s.Put([]byte("payload"), "image/jpeg")
	b, ok := s.Get(key)
	if !ok || b.Mime != "image/png" {
		t.Fatalf("blob mutated: %+v ok=%v", b, ok)
	}
}

func TestGet_Unknown(t *testing.T) {
	s := New()
	if _, ok := s.Get("missing"); ok {
		t.Fatal("unknown key returned ok")
	}
}

func TestGet_RoundTrip(t *testing.T) {
	s := New()
	key := s.Put([]byte{0x89, 0x50, 0x4e, 0x47}, "image/png")
	b, ok := s.Get(key)
	if !ok {
		t.Fatal("get failed")
	}
	if b.Key != key || b.Mime != "image/png" || len(b.Bytes) != 4 {
		t.Fatalf("blob: %+v", b)
	}
	if b.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
}
