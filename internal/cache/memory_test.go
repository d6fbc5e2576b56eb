package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	if err := s.Set(context.Background(), "codeassist:token:0", []byte("tok"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get(context.Background(), "codeassist:token:0")
	if !ok || string(got) != "tok" {
		t.Fatalf("Get = (%q, %v), want (tok, true)", got, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	if err := s.Set(context.Background(), "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("expected lazily-expired entry to miss")
	}
	// Lazy expiry also removes the entry.
	if s.Len() != 0 {
		t.Fatalf("Len = %d after expiry, want 0", s.Len())
	}
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	_ = s.Set(context.Background(), "k", []byte("v"), time.Hour)
	if err := s.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestMemoryZeroTTLDefaults(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	_ = s.Set(context.Background(), "k", []byte("v"), 0)
	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Fatal("zero TTL should default to an hour, not expire immediately")
	}
}
