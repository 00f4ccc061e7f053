package clock

import (
	"testing"
	"time"
)

func TestMockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)

	m.Advance(36 * time.Hour)
	if want := start.Add(36 * time.Hour); !m.Now().Equal(want) {
		t.Fatalf("expected %v got %v", want, m.Now())
	}

	m.Set(start)
	if !m.Now().Equal(start) {
		t.Fatalf("expected clock reset to %v got %v", start, m.Now())
	}
}

func TestRealIsUTC(t *testing.T) {
	if loc := (Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}
