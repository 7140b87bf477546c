package schema

import (
	"testing"
	"time"
)

func TestCursorAdvanceNeverRegresses(t *testing.T) {
	current := Cursor{Timetoken: 200, Region: 1}

	next := current.Advance(Cursor{Timetoken: 300, Region: 4})
	if next.Timetoken != 300 || next.Region != 4 {
		t.Fatalf("expected cursor to advance to 300@4, got %s", next)
	}

	held := current.Advance(Cursor{Timetoken: 150, Region: 7})
	if held.Timetoken != 200 {
		t.Fatalf("expected timetoken to stay at 200, got %d", held.Timetoken)
	}
	if held.Region != 7 {
		t.Fatalf("expected region to follow the service, got %d", held.Region)
	}
}

func TestCursorTimeRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	tt := TimetokenFromTime(at)
	got := Cursor{Timetoken: tt}.Time()
	if !got.Equal(at.Truncate(100 * time.Nanosecond)) {
		t.Fatalf("expected %v, got %v", at, got)
	}
	if TimetokenFromTime(time.Time{}) != 0 {
		t.Fatal("zero time must map to zero timetoken")
	}
}

func TestCursorAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Cursor{Timetoken: TimetokenFromTime(now.Add(-5 * time.Minute))}
	if age := c.Age(now); age != 5*time.Minute {
		t.Fatalf("expected 5m age, got %v", age)
	}
	if age := (Cursor{}).Age(now); age != 0 {
		t.Fatalf("zero cursor must have no age, got %v", age)
	}
	future := Cursor{Timetoken: TimetokenFromTime(now.Add(time.Minute))}
	if age := future.Age(now); age != 0 {
		t.Fatalf("future cursor must clamp to zero age, got %v", age)
	}
}

func TestCursorString(t *testing.T) {
	if got := (Cursor{Timetoken: 101}).String(); got != "101" {
		t.Fatalf("unexpected cursor string %q", got)
	}
	if got := (Cursor{Timetoken: 101, Region: 3}).String(); got != "101@3" {
		t.Fatalf("unexpected cursor string %q", got)
	}
}

func TestParseTimetoken(t *testing.T) {
	tt, err := ParseTimetoken("17093094000000000")
	if err != nil {
		t.Fatalf("ParseTimetoken returned error: %v", err)
	}
	if tt != 17093094000000000 {
		t.Fatalf("unexpected timetoken %d", tt)
	}
	if tt, err := ParseTimetoken(""); err != nil || tt != 0 {
		t.Fatalf("empty timetoken should parse to zero, got %d, %v", tt, err)
	}
	if _, err := ParseTimetoken("abc"); err == nil {
		t.Fatal("expected error for non-numeric timetoken")
	}
}
