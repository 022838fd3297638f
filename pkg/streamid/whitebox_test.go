package streamid

import "testing"

// TestStreamExhaustedBoundary exercises the STREAM_EXHAUSTED boundary
// directly by seeding next past MaxStreamID, avoiding a 2^31-iteration loop.
func TestStreamExhaustedBoundary(t *testing.T) {
	m := New(Caller)
	m.next = MaxStreamID + 2

	if _, err := m.Allocate(); err == nil {
		t.Fatal("expected STREAM_EXHAUSTED error")
	}

	m.next = MaxStreamID
	id, err := m.Allocate()
	if err != nil {
		t.Fatalf("allocating the last valid id should succeed: %v", err)
	}
	if id != MaxStreamID {
		t.Fatalf("got %d, want %d", id, MaxStreamID)
	}
}
