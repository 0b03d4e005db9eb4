package endpointid

import "testing"

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator()
	var prev ID
	for i := 0; i < 1000; i++ {
		next := g.Next()
		if i > 0 && next.Compare(prev) <= 0 {
			t.Fatalf("id %d not strictly greater than previous", i)
		}
		prev = next
	}
}

func TestGeneratorClockRegression(t *testing.T) {
	orig := NowMs
	defer func() { NowMs = orig }()

	g := NewGenerator()
	ms := int64(1000)
	NowMs = func() int64 { return ms }

	first := g.Next()
	ms = 500 // clock jumps backwards
	second := g.Next()
	if second.Compare(first) <= 0 {
		t.Fatalf("expected monotonic id despite clock regression")
	}
}

func TestStringRoundTripLength(t *testing.T) {
	g := NewGenerator()
	id := g.Next()
	s := id.String()
	if len(s) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(s))
	}
}
