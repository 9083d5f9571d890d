package conflict

import (
	"testing"
	"time"
)

func TestStore_AddAndList(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rec := Record{ID: "a::Button", PathA: "a.tsx", PathB: "b.json", DetectedAt: time.Now(), Type: TypeTimestamp}
	if err := s.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].ID != "a::Button" {
		t.Fatalf("List = %+v, want one record with id a::Button", records)
	}
}

func TestStore_Unresolved(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	s.Add(Record{ID: "x", DetectedAt: time.Now()})
	s.Add(Record{ID: "y", DetectedAt: time.Now(), Resolved: true})

	unresolved, err := s.Unresolved()
	if err != nil {
		t.Fatalf("Unresolved: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != "x" {
		t.Fatalf("Unresolved = %+v, want only id x", unresolved)
	}
}

func TestStore_MarkResolved(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	s.Add(Record{ID: "x", DetectedAt: time.Now()})

	ok, err := s.MarkResolved("x")
	if err != nil || !ok {
		t.Fatalf("MarkResolved(x) = %v, %v", ok, err)
	}

	rec, found, err := s.Get("x")
	if err != nil || !found {
		t.Fatalf("Get(x) = %v, %v, %v", rec, found, err)
	}
	if !rec.Resolved {
		t.Errorf("record not marked resolved")
	}
}

func TestStore_MarkResolvedUnknown(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	ok, err := s.MarkResolved("missing")
	if err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if ok {
		t.Errorf("MarkResolved(missing) = true, want false")
	}
}

func TestStore_ListEmptyNoFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if records != nil {
		t.Errorf("List on empty store = %+v, want nil", records)
	}
}
