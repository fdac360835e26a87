package stream

import "testing"

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	k := StreamKey{Source: "rtp://a", Profile: "copy"}
	h := newHandle(k, 1)

	if _, ok := s.Get(k.ID()); ok {
		t.Fatal("empty store returned a handle")
	}

	s.Set(h)
	got, ok := s.Get(k.ID())
	if !ok || got != h {
		t.Fatalf("Get after Set: got %v ok %v", got, ok)
	}
	if ids := s.List(); len(ids) != 1 {
		t.Errorf("expected 1 entry, got %d", len(ids))
	}

	s.Delete(k.ID())
	if _, ok := s.Get(k.ID()); ok {
		t.Error("handle still present after delete")
	}
	if ids := s.List(); len(ids) != 0 {
		t.Errorf("expected empty list, got %d entries", len(ids))
	}
}
