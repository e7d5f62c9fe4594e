package tombstone

import "testing"

func TestExpiredBatchAddRemoveWhereDrain(t *testing.T) {
	b := newExpiredBatch()
	r := &fakeRegion{name: "r"}
	t1 := tombstoneFor(r, "a", 1, 0)
	t2 := tombstoneFor(r, "b", 2, 0)
	t3 := tombstoneFor(r, "c", 3, 0)

	if !b.isEmpty() {
		t.Fatal("new batch should be empty")
	}
	b.add(t1)
	b.add(t2)
	b.add(t3)
	if b.size() != 3 {
		t.Fatalf("size = %d, want 3", b.size())
	}

	freed := b.removeWhere(func(t *Tombstone) bool { return t == t2 })
	if freed != t2.size() {
		t.Fatalf("freed = %d, want %d", freed, t2.size())
	}
	if b.size() != 2 {
		t.Fatalf("size after removeWhere = %d, want 2", b.size())
	}

	items := b.drain()
	if len(items) != 2 {
		t.Fatalf("drain returned %d items, want 2", len(items))
	}
	if !b.isEmpty() {
		t.Fatal("batch should be empty after drain")
	}
}
