package payload

import (
	"bytes"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s := New(0)
	if err := s.Put(1, Document{"color": "red", "price": 9.0}); err != nil {
		t.Fatal(err)
	}
	doc, ok := s.Get(1)
	if !ok || doc["color"] != "red" {
		t.Fatalf("unexpected doc: %v, ok=%v", doc, ok)
	}
	s.Delete(1)
	if _, ok := s.Get(1); ok {
		t.Fatal("expected document to be gone after delete")
	}
}

func TestMatchEqualsAndCardinality(t *testing.T) {
	s := New(0)
	s.Put(1, Document{"color": "red"})
	s.Put(2, Document{"color": "red"})
	s.Put(3, Document{"color": "blue"})

	if got := s.Cardinality("color", "red"); got != 2 {
		t.Fatalf("cardinality = %d, want 2", got)
	}
	set := s.MatchEquals("color", "red")
	if len(set) != 2 {
		t.Fatalf("match set size = %d, want 2", len(set))
	}
	if _, ok := set[3]; ok {
		t.Fatal("id 3 should not match color=red")
	}
}

func TestReplacingDocumentUpdatesIndex(t *testing.T) {
	s := New(0)
	s.Put(1, Document{"color": "red"})
	s.Put(1, Document{"color": "blue"})
	if got := s.Cardinality("color", "red"); got != 0 {
		t.Fatalf("stale index entry: cardinality(red) = %d, want 0", got)
	}
	if got := s.Cardinality("color", "blue"); got != 1 {
		t.Fatalf("cardinality(blue) = %d, want 1", got)
	}
}

func TestPayloadSizeLimit(t *testing.T) {
	s := New(10)
	err := s.Put(1, Document{"text": "this is way too long for the limit"})
	if err == nil {
		t.Fatal("expected size-limit error")
	}
}

func TestSaveLoadRoundTripRebuildsIndex(t *testing.T) {
	s := New(0)
	s.Put(1, Document{"color": "red"})
	s.Put(2, Document{"color": "blue"})

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatal(err)
	}

	loaded := New(0)
	if err := loaded.Load(&buf); err != nil {
		t.Fatal(err)
	}
	doc, ok := loaded.Get(1)
	if !ok || doc["color"] != "red" {
		t.Fatalf("unexpected doc after load: %v, ok=%v", doc, ok)
	}
	if got := loaded.Cardinality("color", "blue"); got != 1 {
		t.Fatalf("cardinality(blue) after load = %d, want 1", got)
	}
}
