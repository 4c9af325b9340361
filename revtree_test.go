package corvid

import "testing"

// Scenario 2 (spec §8): linear insertion.
func TestRevTreeLinearInsertion(t *testing.T) {
	tr := NewRevTree(4)
	r1 := tr.Insert(RevID("1-a"), nil, nil, false)
	tr.Insert(RevID("2-b"), nil, r1, false)

	cur := tr.CurrentRevision()
	if string(cur.RevID) != "2-b" {
		t.Fatalf("CurrentRevision = %q, wanted 2-b", cur.RevID)
	}
	if tr.HasConflict() {
		t.Fatalf("HasConflict = true, wanted false")
	}

	tr.Sort()
	if string(tr.Get(0).RevID) != "2-b" {
		t.Fatalf("after sort, index 0 = %q, wanted 2-b", tr.Get(0).RevID)
	}
	if tr.Get(0).parentIndex != 1 {
		t.Fatalf("after sort, 2-b's parentIndex = %d, wanted 1", tr.Get(0).parentIndex)
	}
	if string(tr.Get(1).RevID) != "1-a" {
		t.Fatalf("after sort, index 1 = %q, wanted 1-a", tr.Get(1).RevID)
	}
	if tr.Get(1).parentIndex != noParent {
		t.Fatalf("after sort, 1-a's parentIndex = %d, wanted none", tr.Get(1).parentIndex)
	}
}

// Scenario 3 (spec §8): conflict, current revision picked by greater digest.
func TestRevTreeConflict(t *testing.T) {
	tr := NewRevTree(4)
	r1 := tr.Insert(RevID("1-a"), nil, nil, false)
	tr.Insert(RevID("2-b"), nil, r1, false)
	tr.Insert(RevID("2-c"), nil, r1, false)

	if !tr.HasConflict() {
		t.Fatalf("HasConflict = false, wanted true")
	}
	cur := tr.CurrentRevision()
	if string(cur.RevID) != "2-c" {
		t.Fatalf("CurrentRevision = %q, wanted 2-c (greater digest)", cur.RevID)
	}
}

func TestRevTreeCurrentRevisionIndependentOfInsertOrder(t *testing.T) {
	build := func(order []string) *RevTree {
		tr := NewRevTree(4)
		var root *Rev
		for _, id := range order {
			if id == "1-a" {
				root = tr.Insert(RevID(id), nil, nil, false)
			} else {
				tr.Insert(RevID(id), nil, root, false)
			}
		}
		return tr
	}

	a := build([]string{"1-a", "2-b", "2-c"})
	b := build([]string{"1-a", "2-c", "2-b"})

	if string(a.CurrentRevision().RevID) != string(b.CurrentRevision().RevID) {
		t.Fatalf("current revision depends on insertion order: %q vs %q",
			a.CurrentRevision().RevID, b.CurrentRevision().RevID)
	}
}

func TestRevTreeDeletedLeafLosesToActiveLeaf(t *testing.T) {
	tr := NewRevTree(4)
	r1 := tr.Insert(RevID("1-a"), nil, nil, false)
	tr.Insert(RevID("2-zzz"), nil, r1, true) // deleted, would win on digest alone
	tr.Insert(RevID("2-aaa"), nil, r1, false)

	cur := tr.CurrentRevision()
	if cur.IsDeleted() {
		t.Fatalf("CurrentRevision picked the deleted leaf %q", cur.RevID)
	}
	if string(cur.RevID) != "2-aaa" {
		t.Fatalf("CurrentRevision = %q, wanted 2-aaa (active beats deleted)", cur.RevID)
	}
}

func TestRevTreeFindAndGet(t *testing.T) {
	tr := NewRevTree(2)
	tr.Insert(RevID("1-a"), []byte("body"), nil, false)

	found := tr.Find(RevID("1-a"))
	if found == nil || string(found.Body) != "body" {
		t.Fatalf("Find(1-a) = %v, wanted a rev with body %q", found, "body")
	}
	if tr.Find(RevID("9-z")) != nil {
		t.Fatalf("Find of missing revID should return nil")
	}
}

func TestRevTreeHasConflictMatchesActiveLeafCount(t *testing.T) {
	tr := NewRevTree(4)
	r1 := tr.Insert(RevID("1-a"), nil, nil, false)
	if tr.HasConflict() {
		t.Fatalf("single leaf should not be a conflict")
	}
	tr.Insert(RevID("2-b"), nil, r1, false)
	tr.Insert(RevID("2-c"), nil, r1, true) // deleted: doesn't count as active
	if tr.HasConflict() {
		t.Fatalf("one active + one deleted leaf should not be a conflict")
	}
	tr.Insert(RevID("2-d"), nil, r1, false)
	if !tr.HasConflict() {
		t.Fatalf("two active leaves should be a conflict")
	}
}
