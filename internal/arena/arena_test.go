package arena

import "testing"

func TestArena_InsertGetRemove(t *testing.T) {
	a := New[string]()

	id := a.Insert("foo")
	if id.IsZero() {
		t.Fatal("Insert() returned zero ID")
	}

	got, ok := a.Get(id)
	if !ok || got != "foo" {
		t.Errorf("Get() = %q, %v, want %q, true", got, ok, "foo")
	}

	if !a.Remove(id) {
		t.Error("Remove() = false for live ID, want true")
	}
	if a.Remove(id) {
		t.Error("Remove() = true for removed ID, want false")
	}
	if _, ok := a.Get(id); ok {
		t.Error("Get() ok = true after Remove(), want false")
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d, want 0", a.Len())
	}
}

// A reused slot must not resolve through the ID of its previous occupant.
func TestArena_StaleIDAfterReuse(t *testing.T) {
	a := New[int]()

	old := a.Insert(1)
	a.Remove(old)
	fresh := a.Insert(2)

	if old == fresh {
		t.Fatal("reused slot issued an identical ID")
	}
	if a.Contains(old) {
		t.Error("Contains(stale) = true, want false")
	}
	if v, ok := a.Get(fresh); !ok || v != 2 {
		t.Errorf("Get(fresh) = %d, %v, want 2, true", v, ok)
	}
}

func TestArena_IDsSnapshotOrder(t *testing.T) {
	a := New[int]()
	var ids []ID
	for i := 0; i < 5; i++ {
		ids = append(ids, a.Insert(i))
	}

	snap := a.IDs()
	a.Remove(ids[2])
	a.Insert(99)

	if len(snap) != 5 {
		t.Fatalf("len(IDs()) = %d, want 5", len(snap))
	}
	visited := 0
	for _, id := range snap {
		if _, ok := a.Get(id); ok {
			visited++
		}
	}
	if visited != 4 {
		t.Errorf("live entries in snapshot = %d, want 4", visited)
	}

	if !a.Before(ids[0], ids[4]) {
		t.Error("Before(first, last) = false, want true")
	}
	if a.Before(ids[4], ids[0]) {
		t.Error("Before(last, first) = true, want false")
	}
}

func TestArena_CompactKeepsOrder(t *testing.T) {
	a := New[int]()
	var keep []ID
	for i := 0; i < 100; i++ {
		id := a.Insert(i)
		if i%10 == 0 {
			keep = append(keep, id)
		} else {
			a.Remove(id)
		}
	}

	got := a.IDs()
	if len(got) != len(keep) {
		t.Fatalf("len(IDs()) = %d, want %d", len(got), len(keep))
	}
	for i := range keep {
		if got[i] != keep[i] {
			t.Errorf("IDs()[%d] = %v, want %v", i, got[i], keep[i])
		}
	}
}
