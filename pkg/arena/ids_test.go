package arena

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !idPattern.MatchString(id) {
		t.Fatalf("id %q does not match 8-4-4-4-12 hex grouping", id)
	}
	if id[14] != '7' {
		t.Fatalf("version nibble = %c, want 7 (id %s)", id[14], id)
	}
	variant := id[19]
	if !strings.ContainsRune("89ab", rune(variant)) {
		t.Fatalf("variant nibble = %c, want one of 89ab", variant)
	}
}

func TestNewIDTimestampNearWallClock(t *testing.T) {
	before := time.Now()
	id := NewID()
	after := time.Now()

	ts, ok := IDTime(id)
	if !ok {
		t.Fatalf("IDTime failed for %s", id)
	}
	if ts.Before(before.Add(-5*time.Second)) || ts.After(after.Add(5*time.Second)) {
		t.Fatalf("id timestamp %v outside ±5s of generation window [%v, %v]", ts, before, after)
	}
}

func TestNewIDMonotonic(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatal("back-to-back ids must differ")
	}
	ta, ok := IDTime(a)
	if !ok {
		t.Fatalf("IDTime failed for %s", a)
	}
	tb, ok := IDTime(b)
	if !ok {
		t.Fatalf("IDTime failed for %s", b)
	}
	if tb.Before(ta) {
		t.Fatalf("later id timestamp %v precedes earlier %v", tb, ta)
	}
}
